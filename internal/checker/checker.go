package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitushen/portprobe/internal/fingerprint"
	"github.com/hitushen/portprobe/internal/models"
	"github.com/hitushen/portprobe/internal/scanner"
	"github.com/hitushen/portprobe/internal/store"
	"github.com/hitushen/portprobe/internal/targets"
)

// InvalidInputMessage 是输入未通过校验时的提示。
const InvalidInputMessage = "please fix the errors in the input fields"

// ErrCanceled 表示探测在得出结果前被取消，此时不写入任何记录。
var ErrCanceled = errors.New("check canceled")

// Report 是一次检测对调用方（CLI、HTTP 等展示层）暴露的完整结果。
// Evaluated 为 false 时要么输入无效（Validation 非 OK），要么检测被取消（伴随 ErrCanceled）。
type Report struct {
	Target     models.Target            `json:"target"`
	Validation targets.ValidationResult `json:"-"`
	Evaluated  bool                     `json:"evaluated"`
	Outcome    scanner.Outcome          `json:"outcome"`
	Reason     scanner.Reason           `json:"reason,omitempty"`
	Latency    time.Duration            `json:"latency"`
	Service    string                   `json:"service,omitempty"`
	Message    string                   `json:"message"`
	Entry      *models.HistoryEntry     `json:"entry,omitempty"`
	Settings   *models.Settings         `json:"settings,omitempty"`
}

// Service 串联校验、探测与持久化。
type Service struct {
	store   *store.Store
	prober  scanner.Prober
	timeout time.Duration
	logger  *slog.Logger
}

// New 创建 Service；timeout 为 0 时使用默认的 1 秒。
func New(st *store.Store, prober scanner.Prober, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = scanner.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		prober:  prober,
		timeout: timeout,
		logger:  logger.With("component", "checker"),
	}
}

// Timeout 返回默认探测超时。
func (s *Service) Timeout() time.Duration {
	return s.timeout
}

// Check 使用默认超时执行一次检测。
func (s *Service) Check(ctx context.Context, rawAddress, rawPort string) (*Report, error) {
	return s.CheckWithTimeout(ctx, rawAddress, rawPort, s.timeout)
}

// CheckWithTimeout 校验输入；输入无效时直接返回（不探测、不写入），
// 否则执行一次探测并保存设置与历史记录。
// 返回的 error 表示持久化失败（Report 仍然有效）或检测被取消（ErrCanceled，未写入任何记录）。
func (s *Service) CheckWithTimeout(ctx context.Context, rawAddress, rawPort string, timeout time.Duration) (*Report, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	validation := targets.Validate(rawAddress, rawPort)
	if !validation.OK() {
		s.logger.Debug("input rejected", "address", rawAddress, "port", rawPort, "err", validation.Err())
		return &Report{
			Validation: validation,
			Message:    InvalidInputMessage,
		}, nil
	}

	port, _ := targets.ParsePort(rawPort)
	target := models.Target{
		Address: targets.Canonical(rawAddress),
		Port:    port,
	}

	res := s.prober.Probe(ctx, target, timeout)
	if res.Reason == scanner.ReasonCanceled || ctx.Err() != nil {
		cause := res.Err
		if cause == nil {
			cause = ctx.Err()
		}
		if cause == nil {
			cause = context.Canceled
		}
		s.logger.Info("check canceled", "target", target.String(), "err", cause)
		return &Report{
			Target:     target,
			Validation: validation,
			Message:    fmt.Sprintf("check of %s canceled before a result was obtained", target),
		}, fmt.Errorf("%w: %w", ErrCanceled, cause)
	}

	report := &Report{
		Target:     target,
		Validation: validation,
		Evaluated:  true,
		Outcome:    res.Outcome,
		Reason:     res.Reason,
		Latency:    res.Latency,
		Service:    res.Service,
	}
	if report.Service == "" {
		report.Service = fingerprint.NameForPort(port)
	}
	report.Message = describe(target, res.Outcome, report.Service)

	s.logger.Info("port checked",
		"target", target.String(),
		"outcome", res.Outcome.String(),
		"reason", string(res.Reason),
		"latency", res.Latency.Truncate(time.Millisecond),
	)
	if res.Err != nil {
		s.logger.Debug("probe error", "target", target.String(), "err", res.Err)
	}

	portStr := strconv.Itoa(port)
	var errs []error
	if err := s.store.SaveSettings(ctx, target.Address, portStr); err != nil {
		errs = append(errs, err)
	} else {
		report.Settings = &models.Settings{Address: target.Address, Port: portStr}
	}
	entry, err := s.store.SaveHistoryEntry(ctx, target.Address, portStr, res.Outcome.Status())
	if err != nil {
		errs = append(errs, err)
	} else {
		report.Entry = &entry
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("persist check result: %w", errors.Join(errs...))
	}
	return report, nil
}

// History 返回历史记录（按插入顺序，最新在末尾）。
func (s *Service) History(ctx context.Context) []models.HistoryEntry {
	return s.store.LoadHistory(ctx)
}

// Settings 返回最近一次使用的输入。
func (s *Service) Settings(ctx context.Context) models.Settings {
	return s.store.LoadSettings(ctx)
}

func describe(target models.Target, outcome scanner.Outcome, service string) string {
	msg := fmt.Sprintf("port %d on %s is %s", target.Port, target.Address, outcome)
	if service != "" && outcome == scanner.Open {
		msg += fmt.Sprintf(" (%s)", service)
	}
	return msg
}
