package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"checkpoint/internal/domain"
)

// Filesystem stores artifacts under a root directory and serves them from a
// base URL. It stands in for the production bucket in single-node deployments
// and in tests.
type Filesystem struct {
	root    string
	baseURL string
}

func NewFilesystem(root, baseURL string) *Filesystem {
	return &Filesystem{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

var _ Store = (*Filesystem)(nil)

func (f *Filesystem) Put(_ context.Context, path, _ string, data []byte) (domain.ArtifactFile, error) {
	full := filepath.Join(f.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return domain.ArtifactFile{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return domain.ArtifactFile{}, fmt.Errorf("write artifact %s: %w", path, err)
	}
	return domain.ArtifactFile{
		URL:  f.baseURL + "/" + path,
		Path: path,
	}, nil
}
