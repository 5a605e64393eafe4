package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileBackend 将每条记录保存为一个 JSON 文件，写入时通过临时文件 + 重命名整体替换。
type FileBackend struct {
	paths map[string]string
}

// NewFileBackend 在 dir 下使用给定文件名保存设置与历史记录。
func NewFileBackend(dir, settingsFile, historyFile string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	return &FileBackend{
		paths: map[string]string{
			RecordSettings: filepath.Join(dir, settingsFile),
			RecordHistory:  filepath.Join(dir, historyFile),
		},
	}, nil
}

// Path 返回记录对应的文件路径。
func (b *FileBackend) Path(name string) string {
	return b.paths[name]
}

func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	path, ok := b.paths[name]
	if !ok {
		return nil, fmt.Errorf("unknown record %q", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (b *FileBackend) Write(_ context.Context, name string, data []byte) error {
	path, ok := b.paths[name]
	if !ok {
		return fmt.Errorf("unknown record %q", name)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s file: %w", name, err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}
