package targets

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gaissmai/bart"
)

// 输入校验错误，调用方通过 errors.Is 判断类别。
var (
	ErrInvalidFormat     = errors.New("invalid IP address")
	ErrAddressNotAllowed = errors.New("IP address not allowed")
	ErrNotANumber        = errors.New("port must be a number")
	ErrOutOfRange        = errors.New("port must be between 1 and 65535")
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidationResult 汇总地址与端口两个字段的校验结果。
type ValidationResult struct {
	AddressErr error
	PortErr    error
}

// OK 表示两个字段均通过校验。
func (v ValidationResult) OK() bool {
	return v.AddressErr == nil && v.PortErr == nil
}

// Err 将字段错误合并为一个错误，便于日志输出。
func (v ValidationResult) Err() error {
	return errors.Join(v.AddressErr, v.PortErr)
}

// Validate 同时校验地址与端口，返回每个字段各自的错误。
func Validate(address, port string) ValidationResult {
	return ValidationResult{
		AddressErr: ValidateAddress(address),
		PortErr:    ValidatePort(port),
	}
}

// ValidateAddress 要求输入为 IPv4/IPv6 字面量，且不属于私有、环回、链路本地等特殊地址段。
func ValidateAddress(raw string) error {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}
	if name, ok := Classify(addr); ok {
		return fmt.Errorf("%w: %s is %s", ErrAddressNotAllowed, addr, name)
	}
	return nil
}

// ValidatePort 要求输入为十进制整数且位于 1-65535 之间。
func ValidatePort(raw string) error {
	_, err := ParsePort(raw)
	return err
}

// ParsePort 解析端口号；超出 int 范围的整数视为越界而非非数字。
func ParsePort(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", ErrOutOfRange, raw)
		}
		return 0, fmt.Errorf("%w: %q", ErrNotANumber, raw)
	}
	if n < MinPort || n > MaxPort {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, n)
	}
	return n, nil
}

// Canonical 返回地址的规范文本形式，用作历史记录的键。
// 无法解析时原样返回。
func Canonical(raw string) string {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return addr.String()
}

// CanonicalPort 去掉端口的前导零等写法差异，无法解析时原样返回。
func CanonicalPort(raw string) string {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return raw
	}
	return strconv.Itoa(n)
}

// Normalize 裁剪用户输入两端的空白，并去掉 IPv6 字面量外层的方括号。
func Normalize(input string) string {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	return s
}

// Classify 返回地址所属的特殊用途地址段名称；全局可路由地址返回 false。
func Classify(addr netip.Addr) (string, bool) {
	if addr.Is4In6() {
		return "ipv4-mapped", true
	}
	return reserved.Lookup(addr.WithZone(""))
}

var reserved = buildReserved()

func buildReserved() *bart.Table[string] {
	ranges := []struct {
		prefix string
		name   string
	}{
		{"0.0.0.0/8", "this-network"},
		{"10.0.0.0/8", "private"},
		{"127.0.0.0/8", "loopback"},
		{"169.254.0.0/16", "link-local"},
		{"172.16.0.0/12", "private"},
		{"192.0.0.0/29", "ietf-protocol"},
		{"192.0.0.170/31", "ietf-protocol"},
		{"192.0.2.0/24", "documentation"},
		{"192.168.0.0/16", "private"},
		{"198.18.0.0/15", "benchmarking"},
		{"198.51.100.0/24", "documentation"},
		{"203.0.113.0/24", "documentation"},
		{"240.0.0.0/4", "reserved"},
		{"255.255.255.255/32", "broadcast"},

		{"::/128", "unspecified"},
		{"::1/128", "loopback"},
		{"::ffff:0:0/96", "ipv4-mapped"},
		{"64:ff9b:1::/48", "translation"},
		{"100::/64", "discard-only"},
		{"2001::/23", "ietf-protocol"},
		{"2001:db8::/32", "documentation"},
		{"fc00::/7", "private"},
		{"fe80::/10", "link-local"},
	}

	t := new(bart.Table[string])
	for _, r := range ranges {
		t.Insert(netip.MustParsePrefix(r.prefix), r.name)
	}
	return t
}
