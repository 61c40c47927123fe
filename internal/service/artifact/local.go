package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// LocalStore складывает документы в каталог на диске.
type LocalStore struct {
	dir string
}

// NewLocalStore создаёт каталог при необходимости.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Locate возвращает путь файла. Каталоги из имени отбрасываются.
func (s *LocalStore) Locate(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Put пишет файл через временный файл и rename, чтобы читатель не увидел половину документа.
func (s *LocalStore) Put(ctx context.Context, name string, content []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	tmp, err := os.CreateTemp(s.dir, "."+base+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}

	target := s.Locate(base)
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return target, nil
}

var _ domain.Archive = (*LocalStore)(nil)
