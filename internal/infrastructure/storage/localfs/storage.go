package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// Storage keeps dataset files flat under one directory.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) BasePath() string {
	return s.basePath
}

// CleanKey reduces a client supplied name to a plain file name.
func CleanKey(key string) (string, error) {
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", domain.WrapError(domain.ErrInvalidInput, "clean storage key", fmt.Errorf("invalid file name %q", key))
	}
	return name, nil
}

// Save writes data to a temporary file first so readers never observe a
// partially written dataset.
func (s *Storage) Save(_ context.Context, key string, data io.Reader) error {
	name, err := CleanKey(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.basePath, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.basePath, name)); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	name, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrNotFound, "open file", fmt.Errorf("%s does not exist", name))
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	name, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat file: %w", err)
	}
	return !info.IsDir(), nil
}
