package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// FileConfig configures the file backend.
type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

// FileVault stores each version as a 0600 file under root/<path>/<version>.
// It has no encryption at rest and is meant for development.
type FileVault struct {
	root string
	mu   sync.Mutex
}

// NewFileVault creates root if needed.
func NewFileVault(root string) (*FileVault, error) {
	if root == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault.file.path",
			Message:    "path is required for the file vault",
			Suggestion: "Set vault.file.path to a directory such as ./vault",
		}
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileVault{root: root}, nil
}

func (v *FileVault) dir(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(path))
}

func (v *FileVault) versions(path string) ([]int, error) {
	entries, err := os.ReadDir(v.dir(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dserrors.NotFound("secret", path)
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Put implements Vault.
func (v *FileVault) Put(_ context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := v.dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create secret directory: %w", err)
	}
	existing, err := v.versions(path)
	if err != nil {
		return "", err
	}
	next := 1
	if len(existing) > 0 {
		next = existing[len(existing)-1] + 1
	}
	version := strconv.Itoa(next)

	tmp := filepath.Join(dir, "."+version+".tmp")
	if err := os.WriteFile(tmp, material, 0600); err != nil {
		return "", fmt.Errorf("failed to write secret: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, version)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit secret: %w", err)
	}
	return version, nil
}

// Get implements Vault.
func (v *FileVault) Get(_ context.Context, path, version string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if version == "" {
		existing, err := v.versions(path)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, dserrors.NotFound("secret", path)
		}
		version = strconv.Itoa(existing[len(existing)-1])
	}
	data, err := os.ReadFile(filepath.Join(v.dir(path), version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dserrors.NotFound("secret version", path+"@"+version)
		}
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return data, nil
}

// Delete implements Vault.
func (v *FileVault) Delete(_ context.Context, path, version string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := v.dir(path)
	if version == "" {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return dserrors.NotFound("secret", path)
		}
		return os.RemoveAll(dir)
	}
	if err := os.Remove(filepath.Join(dir, version)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return dserrors.NotFound("secret version", path+"@"+version)
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
