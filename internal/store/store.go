package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitushen/portprobe/internal/models"
	"github.com/hitushen/portprobe/internal/targets"
)

// 两条持久化记录的名称。
const (
	RecordSettings = "settings"
	RecordHistory  = "history"
)

// ErrNotFound 表示后端中尚不存在该记录。
var ErrNotFound = errors.New("store: record not found")

// Backend 以整份文档为单位读写命名记录，不支持局部更新。
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Close() error
}

// Store 管理设置与历史两条记录，并在进程内缓存最近一次读取的结果。
// 每条记录各有一把锁，保证“读取-修改-整体写回”不会交错。
type Store struct {
	backend Backend
	limit   int
	now     func() time.Time
	logger  *slog.Logger

	settingsMu sync.Mutex
	settings   *models.Settings

	historyMu sync.Mutex
	history   []models.HistoryEntry
	loaded    bool
}

// Option 用于定制 Store。
type Option func(*Store)

// WithClock 替换生成时间戳所用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger 指定日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithHistoryLimit 修改历史记录上限，默认 models.MaxHistory。
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New 基于给定后端创建 Store。
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		limit:   models.MaxHistory,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Close 释放后端资源。
func (s *Store) Close() error {
	return s.backend.Close()
}

// LoadSettings 返回最近保存的设置；记录缺失或损坏时返回零值。
func (s *Store) LoadSettings(ctx context.Context) models.Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	if s.settings != nil {
		return *s.settings
	}

	var settings models.Settings
	if err := s.read(ctx, RecordSettings, &settings); err != nil {
		settings = models.Settings{}
	}
	s.settings = &settings
	return settings
}

// SaveSettings 整体覆盖设置记录，并使缓存失效。
func (s *Store) SaveSettings(ctx context.Context, address, port string) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	s.settings = nil
	if err := s.write(ctx, RecordSettings, models.Settings{Address: address, Port: port}); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadHistory 按插入顺序返回历史记录的副本；记录缺失或损坏时返回空列表。
func (s *Store) LoadHistory(ctx context.Context) []models.HistoryEntry {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	return cloneEntries(s.loadHistoryLocked(ctx))
}

// SaveHistoryEntry 以 (地址, 端口) 为键写入一条记录：先删除旧记录再追加到末尾，
// 超出上限时从最早的记录开始淘汰，最后整体写回。
func (s *Store) SaveHistoryEntry(ctx context.Context, address, port, status string) (models.HistoryEntry, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	entry := models.HistoryEntry{
		Address: address,
		Port:    port,
		Status:  status,
		Date:    s.now().Format(models.DateLayout),
	}

	history := upsert(s.loadHistoryLocked(ctx), entry, s.limit)
	s.history, s.loaded = nil, false
	if err := s.write(ctx, RecordHistory, history); err != nil {
		return entry, fmt.Errorf("save history: %w", err)
	}
	return entry, nil
}

func (s *Store) loadHistoryLocked(ctx context.Context) []models.HistoryEntry {
	if s.loaded {
		return s.history
	}

	var history []models.HistoryEntry
	if err := s.read(ctx, RecordHistory, &history); err != nil {
		history = nil
	}
	s.history, s.loaded = history, true
	return history
}

func (s *Store) read(ctx context.Context, name string, v interface{}) error {
	data, err := s.backend.Read(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("read record failed, using empty state", "record", name, "err", err)
		}
		return err
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("record is corrupt, using empty state", "record", name, "err", err)
		return err
	}
	return nil
}

func (s *Store) write(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.backend.Write(ctx, name, data)
}

// upsert 返回新的切片，不修改入参。
// 旧数据文件中的地址可能不是规范写法，比较前统一规范化。
func upsert(history []models.HistoryEntry, entry models.HistoryEntry, limit int) []models.HistoryEntry {
	address := targets.Canonical(entry.Address)
	port := targets.CanonicalPort(entry.Port)
	out := make([]models.HistoryEntry, 0, len(history)+1)
	for _, item := range history {
		if targets.Canonical(item.Address) == address && targets.CanonicalPort(item.Port) == port {
			continue
		}
		out = append(out, item)
	}
	out = append(out, entry)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func cloneEntries(entries []models.HistoryEntry) []models.HistoryEntry {
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}
