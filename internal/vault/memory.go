package vault

import (
	"context"
	"strconv"
	"sync"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// MemoryVault keeps versions in process memory. Used for tests and the
// memory store driver.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]*memorySecret
}

type memorySecret struct {
	next     int
	versions map[string][]byte
	latest   string
}

// NewMemoryVault creates an empty MemoryVault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]*memorySecret)}
}

// Put implements Vault.
func (v *MemoryVault) Put(_ context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.secrets[path]
	if !ok {
		s = &memorySecret{versions: make(map[string][]byte)}
		v.secrets[path] = s
	}
	s.next++
	version := strconv.Itoa(s.next)
	s.versions[version] = append([]byte(nil), material...)
	s.latest = version
	return version, nil
}

// Get implements Vault.
func (v *MemoryVault) Get(_ context.Context, path, version string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, ok := v.secrets[path]
	if !ok {
		return nil, dserrors.NotFound("secret", path)
	}
	if version == "" {
		version = s.latest
	}
	data, ok := s.versions[version]
	if !ok {
		return nil, dserrors.NotFound("secret version", path+"@"+version)
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Vault.
func (v *MemoryVault) Delete(_ context.Context, path, version string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.secrets[path]
	if !ok {
		return dserrors.NotFound("secret", path)
	}
	if version == "" {
		delete(v.secrets, path)
		return nil
	}
	if _, ok := s.versions[version]; !ok {
		return dserrors.NotFound("secret version", path+"@"+version)
	}
	delete(s.versions, version)
	if s.latest == version {
		s.latest = ""
		for n := s.next; n > 0; n-- {
			if _, ok := s.versions[strconv.Itoa(n)]; ok {
				s.latest = strconv.Itoa(n)
				break
			}
		}
	}
	if len(s.versions) == 0 {
		delete(v.secrets, path)
	}
	return nil
}

// Paths returns the stored paths.
func (v *MemoryVault) Paths() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.secrets))
	for p := range v.secrets {
		out = append(out, p)
	}
	return out
}
