package cli

import (
	"fmt"
	"log/slog"

	"github.com/hitushen/portprobe/internal/config"
	"github.com/hitushen/portprobe/internal/scanner"
	"github.com/hitushen/portprobe/internal/store"
)

// buildProber 按配置选择探测引擎，测试中可替换。
var buildProber = func(cfg *config.Config) scanner.Prober {
	if cfg.Probe.Engine == config.EngineNaabu {
		return scanner.NewNaabuProber()
	}
	return scanner.NewDialProber()
}

// openStore 按配置创建 JSON 文件或 SQLite 后端。
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	var backend store.Backend
	switch cfg.Store {
	case config.StoreSQLite:
		b, err := store.NewSQLiteBackend(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath(), err)
		}
		backend = b
	default:
		b, err := store.NewFileBackend(cfg.DataDir, cfg.SettingsFile, cfg.HistoryFile)
		if err != nil {
			return nil, fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
		}
		backend = b
	}
	return store.New(backend, store.WithLogger(logger)), nil
}
