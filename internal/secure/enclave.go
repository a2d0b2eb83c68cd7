package secure

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/systmms/credrotate/internal/model"
)

// ErrEmptyMaterial is returned when sealing zero bytes.
var ErrEmptyMaterial = errors.New("credential material is empty")

// ErrDestroyed is returned when opening destroyed material.
var ErrDestroyed = errors.New("credential material has been destroyed")

// Material is credential material sealed in a memguard enclave.
type Material struct {
	enclave   *memguard.Enclave
	size      int
	mu        sync.RWMutex
	destroyed bool
}

// NewMaterial seals data. memguard wipes data once it has been copied into
// the enclave.
func NewMaterial(data []byte) (*Material, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMaterial
	}
	size := len(data)
	return &Material{enclave: memguard.NewEnclave(data), size: size}, nil
}

// Open decrypts the material into a locked buffer. The caller must Destroy
// the returned buffer.
func (m *Material) Open() (*memguard.LockedBuffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return nil, ErrDestroyed
	}
	return m.enclave.Open()
}

// Len returns the plaintext length.
func (m *Material) Len() int {
	return m.size
}

// Destroy prevents further use. Idempotent.
func (m *Material) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	m.destroyed = true
	m.enclave = nil
}

// IsDestroyed reports whether Destroy has been called.
func (m *Material) IsDestroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

// Generator produces new material for a credential kind.
type Generator interface {
	Generate(kind model.CredentialKind) (*Material, error)
}

// DefaultMaterialLength is the number of random bytes drawn per credential.
const DefaultMaterialLength = 32

// RandomGenerator draws Length random bytes from memguard's CSPRNG and
// encodes them base64url without padding.
type RandomGenerator struct {
	Length int
}

// Generate implements Generator.
func (g RandomGenerator) Generate(kind model.CredentialKind) (*Material, error) {
	n := g.Length
	if n <= 0 {
		n = DefaultMaterialLength
	}

	raw := memguard.NewBufferRandom(n)
	defer raw.Destroy()
	if raw.Size() == 0 {
		return nil, fmt.Errorf("generate %s material: random buffer unavailable", kind)
	}

	encoded := make([]byte, base64.RawURLEncoding.EncodedLen(n))
	base64.RawURLEncoding.Encode(encoded, raw.Bytes())
	return NewMaterial(encoded)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(kind model.CredentialKind) (*Material, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(kind model.CredentialKind) (*Material, error) {
	return f(kind)
}
