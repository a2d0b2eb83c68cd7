package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// backendConformance exercises the Vault contract shared by every backend.
func backendConformance(t *testing.T, v Vault) {
	t.Helper()
	ctx := context.Background()
	path := "credentials/payments/api_key/20250301/abc"

	v1, err := v.Put(ctx, path, []byte("first"))
	require.NoError(t, err)
	require.NotEmpty(t, v1)
	v2, err := v.Put(ctx, path, []byte("second"))
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	got, err := v.Get(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	got, err = v.Get(ctx, path, v1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, v.Delete(ctx, path, v1))
	_, err = v.Get(ctx, path, v1)
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	got, err = v.Get(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, v.Delete(ctx, path, ""))
	_, err = v.Get(ctx, path, "")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	_, err = v.Get(ctx, "credentials/none", "")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)
	assert.ErrorIs(t, v.Delete(ctx, "credentials/none", ""), dserrors.ErrNotFound)
}

func TestMemoryVault(t *testing.T) {
	t.Parallel()
	backendConformance(t, NewMemoryVault())
}

func TestFileVault(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	v, err := NewFileVault(root)
	require.NoError(t, err)
	backendConformance(t, v)

	_, err = v.Put(context.Background(), "credentials/x/1", []byte("data"))
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(root, "credentials", "x", "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileVaultRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewFileVault("")
	var cfgErr dserrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"credentials/a/b", false},
		{"single", false},
		{"", true},
		{"/absolute", true},
		{"credentials/../etc", true},
		{"credentials//double", true},
		{"credentials/./dot", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			err := validatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewMemoryVault().Put(context.Background(), "../escape", []byte("x"))
	assert.Error(t, err)
}

type slowVault struct {
	Vault
	delay time.Duration
}

func (s slowVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.Vault.Put(ctx, path, material)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestInstrumentedTimeout(t *testing.T) {
	t.Parallel()

	v := Instrument(slowVault{Vault: NewMemoryVault(), delay: time.Second}, "slow", InstrumentOptions{Timeout: 20 * time.Millisecond})
	_, err := v.Put(context.Background(), "credentials/a", []byte("x"))
	require.Error(t, err)

	var vErr *dserrors.VaultError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "slow", vErr.Backend)
	assert.Equal(t, "put", vErr.Op)
	assert.Equal(t, "credentials/a", vErr.Path)
	assert.True(t, vErr.Timeout())
	assert.ErrorIs(t, err, dserrors.ErrVault)
	assert.True(t, dserrors.IsRetryable(err))
}

func TestInstrumentedWrapsNotFound(t *testing.T) {
	t.Parallel()

	v := Instrument(NewMemoryVault(), TypeMemory, InstrumentOptions{})
	_, err := v.Get(context.Background(), "credentials/missing", "")
	assert.ErrorIs(t, err, dserrors.ErrVault)
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	version, err := v.Put(context.Background(), "credentials/present", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	require.NoError(t, v.Delete(context.Background(), "credentials/present", version))
}

func TestInstrumentedRateLimit(t *testing.T) {
	t.Parallel()

	v := Instrument(NewMemoryVault(), TypeMemory, InstrumentOptions{
		RateLimit: RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	})
	ctx := context.Background()
	_, err := v.Put(ctx, "credentials/a", []byte("x"))
	require.NoError(t, err)

	// The bucket is empty and refills far slower than the deadline.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = v.Put(ctx, "credentials/a", []byte("y"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrVault)
}

func TestRateLimitConfig(t *testing.T) {
	t.Parallel()
	assert.Nil(t, RateLimitConfig{}.limiter())
	l := RateLimitConfig{RequestsPerSecond: 5}.limiter()
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}

func TestNewFactory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	v, err := New(ctx, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeMemory, v.Backend())

	v, err = New(ctx, Config{Type: TypeFile, File: FileConfig{Path: t.TempDir()}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeFile, v.Backend())

	_, err = New(ctx, Config{Type: "bogus"}, nil, nil)
	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "vault.type", cfgErr.Field)

	_, err = New(ctx, Config{Type: TypeAzure}, nil, nil)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(ctx, Config{Type: TypeGCP}, nil, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFlattenPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "credentials--a--b", azureName("credentials/a/b"))
	assert.Equal(t, "credentials__a", flattenPath("credentials/a", "__"))
	assert.Equal(t, "7", versionSuffix("projects/p/secrets/s/versions/7"))
	assert.Equal(t, "plain", versionSuffix("plain"))
}

var errBoom = errors.New("boom")
