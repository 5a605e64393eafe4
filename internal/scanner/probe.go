package scanner

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/hitushen/portprobe/internal/models"
)

// DefaultTimeout 是单次连接尝试的默认超时。
const DefaultTimeout = time.Second

// Outcome 是对外暴露的二元检测结果。
type Outcome int

const (
	Closed Outcome = iota
	Open
)

func (o Outcome) String() string {
	if o == Open {
		return "open"
	}
	return "closed"
}

// Status 返回写入历史记录的状态文本。
func (o Outcome) Status() string {
	if o == Open {
		return models.StatusOpen
	}
	return models.StatusClosed
}

// MarshalText 使 Outcome 在 JSON 中以 "open"/"closed" 输出。
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Reason 记录连接失败的内部原因，仅用于诊断，不改变对外的二元结果。
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeout     Reason = "timeout"
	ReasonRefused     Reason = "refused"
	ReasonUnreachable Reason = "unreachable"
	ReasonCanceled    Reason = "canceled"
	ReasonUnknown     Reason = "unknown"
	ReasonError       Reason = "error"
)

// Result 描述一次探测的完整结果。
type Result struct {
	Target  models.Target `json:"target"`
	Outcome Outcome       `json:"outcome"`
	Reason  Reason        `json:"reason,omitempty"`
	Latency time.Duration `json:"latency"`
	Service string        `json:"service,omitempty"`
	Err     error         `json:"-"`
}

// Prober 对单个目标执行一次有超时上限的 TCP 连接尝试。
type Prober interface {
	Probe(ctx context.Context, target models.Target, timeout time.Duration) Result
}

// DialFunc 与 net.Dialer.DialContext 签名一致，便于测试替换。
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialProber 使用标准 TCP 拨号实现 Prober，连接建立后立即关闭，不交换数据。
type DialProber struct {
	Dial DialFunc
}

// NewDialProber 创建使用默认 net.Dialer 的 DialProber。
func NewDialProber() *DialProber {
	return &DialProber{Dial: (&net.Dialer{}).DialContext}
}

// Probe 只尝试一次，不重试。
func (p *DialProber) Probe(ctx context.Context, target models.Target, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dial(dialCtx, "tcp", target.HostPort())
	res := Result{
		Target:  target,
		Latency: time.Since(start),
	}
	if err != nil {
		res.Outcome = Closed
		res.Reason = classify(err)
		res.Err = err
		return res
	}
	_ = conn.Close()
	res.Outcome = Open
	return res
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonError
}
