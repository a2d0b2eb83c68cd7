// Package identity answers read-only questions about service identities:
// whether one exists and who owns it. Credentials are only issued to
// identities the directory knows.
package identity

import (
	"context"
	"sort"
	"strings"
	"sync"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// Identity is an automated principal that credentials are issued to.
type Identity struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Owner    string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Slug is a path-safe form of the identity name, falling back to the id.
func (i Identity) Slug() string {
	src := i.Name
	if src == "" {
		src = i.ID
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(src) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Directory looks identities up.
type Directory interface {
	Lookup(ctx context.Context, id string) (Identity, error)
}

// StaticDirectory serves identities declared in configuration.
type StaticDirectory struct {
	mu   sync.RWMutex
	byID map[string]Identity
}

// NewStaticDirectory indexes ids by ID. Later duplicates win.
func NewStaticDirectory(ids []Identity) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		d.byID[id.ID] = id
	}
	return d
}

// Lookup returns the identity or a not-found error. Disabled identities
// are reported as not found.
func (d *StaticDirectory) Lookup(_ context.Context, id string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ident, ok := d.byID[id]
	if !ok || ident.Disabled {
		return Identity{}, dserrors.NotFound("service identity", id)
	}
	return ident, nil
}

// Put adds or replaces an identity.
func (d *StaticDirectory) Put(ident Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[ident.ID] = ident
}

// List returns identities sorted by id.
func (d *StaticDirectory) List() []Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Identity, 0, len(d.byID))
	for _, ident := range d.byID {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
