package models

import (
	"net"
	"strconv"
)

// MaxHistory 是历史记录保留的最大条目数。
const MaxHistory = 30

// DateLayout 是历史记录中时间戳的格式（本地时间）。
const DateLayout = "2006-01-02 15:04:05"

// 历史记录中的状态取值，保持与旧版数据文件兼容。
const (
	StatusOpen   = "ouvert"
	StatusClosed = "fermé"
)

// Target 表示一次检测的目标地址与端口。
type Target struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HostPort 返回可直接用于拨号的 host:port 字符串。
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.HostPort()
}

// Settings 保存最近一次通过校验的输入，用于下次预填。
type Settings struct {
	Address string `json:"ip"`
	Port    string `json:"port"`
}

// IsZero 判断是否尚未保存过设置。
func (s Settings) IsZero() bool {
	return s.Address == "" && s.Port == ""
}

// HistoryEntry 是历史记录中的单条检测结果。
type HistoryEntry struct {
	Address string `json:"ip"`
	Port    string `json:"port"`
	Status  string `json:"status"`
	Date    string `json:"date"`
}

// SameTarget 判断两条记录是否属于同一 (地址, 端口) 键。
func (e HistoryEntry) SameTarget(address, port string) bool {
	return e.Address == address && e.Port == port
}

// IsOpen 判断该记录的状态是否为开放。
func (e HistoryEntry) IsOpen() bool {
	return e.Status == StatusOpen
}
