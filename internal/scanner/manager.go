package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitushen/portprobe/internal/models"
)

// ErrManagerClosed 表示 Manager 已停止接收新的探测任务。
var ErrManagerClosed = errors.New("scanner: manager closed")

// Manager 用固定数量的工作协程限制同时进行的探测数，每个任务使用独立连接。
type Manager struct {
	prober       Prober
	concurrency  int
	jobs         chan probeJob
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
	logger       *slog.Logger
}

type probeJob struct {
	ctx     context.Context
	target  models.Target
	timeout time.Duration
	reply   chan Result
}

// NewManager 启动 concurrency 个工作协程，将任务转交给 prober 执行。
func NewManager(prober Prober, concurrency int, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		prober:      prober,
		concurrency: concurrency,
		jobs:        make(chan probeJob),
		stopCh:      make(chan struct{}),
		logger:      logger.With("component", "scanner"),
	}
	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Probe 将任务排队并等待结果；排队期间 ctx 取消或 Manager 关闭都会返回 Closed。
func (m *Manager) Probe(ctx context.Context, target models.Target, timeout time.Duration) Result {
	job := probeJob{
		ctx:     ctx,
		target:  target,
		timeout: timeout,
		reply:   make(chan Result, 1),
	}

	select {
	case m.jobs <- job:
	case <-ctx.Done():
		return Result{Target: target, Outcome: Closed, Reason: ReasonCanceled, Err: ctx.Err()}
	case <-m.stopCh:
		return Result{Target: target, Outcome: Closed, Reason: ReasonCanceled, Err: ErrManagerClosed}
	}

	select {
	case res := <-job.reply:
		return res
	case <-ctx.Done():
		return Result{Target: target, Outcome: Closed, Reason: ReasonCanceled, Err: ctx.Err()}
	}
}

// Close 停止所有工作协程，并等待正在执行的探测结束。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			m.handleJob(job)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleJob(job probeJob) {
	res := m.prober.Probe(job.ctx, job.target, job.timeout)
	m.logger.Debug("probe finished",
		"target", job.target.String(),
		"outcome", res.Outcome.String(),
		"reason", string(res.Reason),
		"latency", res.Latency.Truncate(time.Millisecond),
	)
	job.reply <- res
}
