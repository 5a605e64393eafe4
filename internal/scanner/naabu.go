package scanner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"
	portpkg "github.com/projectdiscovery/naabu/v2/pkg/port"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"

	"github.com/hitushen/portprobe/internal/models"
)

// naabu 的 runner 初始化本身有开销，整体期限在超时基础上放宽。
const naabuOverhead = 2 * time.Second

// NaabuProber 基于 naabu 的 connect 扫描实现 Prober，只扫描目标端口一次。
type NaabuProber struct {
	Rate int
}

// NewNaabuProber 创建 NaabuProber。
func NewNaabuProber() *NaabuProber {
	return &NaabuProber{Rate: 1000}
}

// Probe 执行单端口扫描；naabu 不报告失败原因，端口未开放时原因记为 unknown。
func (p *NaabuProber) Probe(ctx context.Context, target models.Target, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout+naabuOverhead)
	defer cancel()

	start := time.Now()
	found, err := runNaabu(scanCtx, target, timeout, p.Rate)
	return naabuResult(target, found, err, time.Since(start))
}

// naabuResult 将 naabu 的扫描结果映射为 Result。
func naabuResult(target models.Target, found *portpkg.Port, err error, latency time.Duration) Result {
	res := Result{
		Target:  target,
		Outcome: Closed,
		Latency: latency,
	}
	switch {
	case found != nil:
		res.Outcome = Open
		res.Service = serviceLabel(found)
	case err != nil:
		res.Reason = classify(err)
		res.Err = err
	default:
		res.Reason = ReasonUnknown
	}
	return res
}

// naabu 通过 gologger 的 Silent 级别把发现的端口写到 stdout，
// 这里统一改写到 stderr，stdout 只留给命令本身的输出。
type naabuLogWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *naabuLogWriter) Write(data []byte, _ levels.Level) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.out.Write(data)
	_, _ = w.out.Write([]byte("\n"))
}

func redirectNaabuOutput(out io.Writer) {
	gologger.DefaultLogger.SetWriter(&naabuLogWriter{out: out})
}

var naabuOutputOnce sync.Once

func runNaabu(ctx context.Context, target models.Target, timeout time.Duration, rate int) (*portpkg.Port, error) {
	var (
		mu   sync.Mutex
		open *portpkg.Port
	)

	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		for _, p := range hr.Ports {
			if p == nil || p.Port != target.Port {
				continue
			}
			mu.Lock()
			open = p
			mu.Unlock()
		}
	}

	if rate <= 0 {
		rate = 1000
	}
	naabuOutputOnce.Do(func() { redirectNaabuOutput(os.Stderr) })

	opts := runner.Options{
		Host:             goflags.StringSlice{target.Address},
		ScanType:         "c",
		OnResult:         onResult,
		JSON:             false,
		NoColor:          true,
		Silent:           true,
		Verbose:          false,
		Stdin:            false,
		Stream:           true,
		Ports:            strconv.Itoa(target.Port),
		Retries:          1,
		Rate:             rate,
		Timeout:          timeout,
		ServiceDiscovery: true,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, fmt.Errorf("naabu enumeration: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return open, nil
}

func serviceLabel(p *portpkg.Port) string {
	if p == nil || p.Service == nil {
		return ""
	}
	svc := p.Service
	if svc.Product != "" && svc.Version != "" {
		return fmt.Sprintf("%s %s", svc.Product, svc.Version)
	}
	if svc.Product != "" {
		return svc.Product
	}
	if svc.Name != "" {
		return svc.Name
	}
	if svc.ServiceFP != "" {
		return svc.ServiceFP
	}
	return svc.ExtraInfo
}
