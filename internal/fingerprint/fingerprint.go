package fingerprint

// 常见端口对应的服务名称，仅用于展示。
var wellKnown = map[int]string{
	20:    "ftp-data",
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	111:   "rpcbind",
	123:   "ntp",
	135:   "msrpc",
	139:   "netbios-ssn",
	143:   "imap",
	161:   "snmp",
	389:   "ldap",
	443:   "https",
	445:   "smb",
	465:   "smtps",
	514:   "syslog",
	587:   "submission",
	636:   "ldaps",
	853:   "dns-over-tls",
	873:   "rsync",
	993:   "imaps",
	995:   "pop3s",
	1080:  "socks",
	1194:  "openvpn",
	1433:  "mssql",
	1521:  "oracle",
	1883:  "mqtt",
	2049:  "nfs",
	2375:  "docker",
	2376:  "docker-tls",
	3000:  "grafana",
	3306:  "mysql",
	3389:  "rdp",
	5060:  "sip",
	5432:  "postgresql",
	5672:  "amqp",
	5900:  "vnc",
	6379:  "redis",
	6443:  "kubernetes-api",
	8080:  "http-alt",
	8443:  "https-alt",
	9000:  "php-fpm",
	9090:  "prometheus",
	9092:  "kafka",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

// NameForPort 返回端口的常见服务名称，未知端口返回空字符串。
func NameForPort(port int) string {
	return wellKnown[port]
}
