package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes blobs below a directory on disk. URLs point at the
// service's own blob route.
type LocalStore struct {
	dir     string
	urlBase string
}

func NewLocalStore(dir, urlBase string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: abs, urlBase: strings.TrimRight(urlBase, "/")}, nil
}

func (s *LocalStore) Put(_ context.Context, key, _ string, data []byte) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *LocalStore) URL(_ context.Context, key string) (string, error) {
	if _, err := s.Path(key); err != nil {
		return "", err
	}
	return s.urlBase + "/" + key, nil
}

// Path maps key to a file below the store directory, refusing keys that
// would escape it.
func (s *LocalStore) Path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidFile)
	}
	p := filepath.Join(s.dir, filepath.FromSlash(key))
	if p != s.dir && !strings.HasPrefix(p, s.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: key outside store", ErrInvalidFile)
	}
	return p, nil
}
