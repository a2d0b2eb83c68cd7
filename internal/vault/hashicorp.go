package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hashicorp/vault/api"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
)

// HashiCorpConfig configures the HashiCorp Vault KV v2 backend.
type HashiCorpConfig struct {
	Address   string         `yaml:"address" json:"address"`
	Token     logging.Secret `yaml:"token,omitempty" json:"token,omitempty"`
	Mount     string         `yaml:"mount,omitempty" json:"mount,omitempty"`
	Namespace string         `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// KVClientAPI is the subset of *api.KVv2 in use.
type KVClientAPI interface {
	Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error)
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
	GetVersion(ctx context.Context, secretPath string, version int) (*api.KVSecret, error)
	DeleteMetadata(ctx context.Context, secretPath string) error
	Destroy(ctx context.Context, secretPath string, versions []int) error
}

// valueKey is the KV field holding the material.
const valueKey = "value"

// HashiCorpVault stores material in a KV v2 mount.
type HashiCorpVault struct {
	kv KVClientAPI
}

// HashiCorpOption configures a HashiCorpVault.
type HashiCorpOption func(*HashiCorpVault)

// WithKVClient injects a client, typically a fake in tests.
func WithKVClient(kv KVClientAPI) HashiCorpOption {
	return func(v *HashiCorpVault) {
		v.kv = kv
	}
}

// NewHashiCorpVault creates a KV v2 backed vault. Address and token fall
// back to VAULT_ADDR and VAULT_TOKEN.
func NewHashiCorpVault(cfg HashiCorpConfig, opts ...HashiCorpOption) (*HashiCorpVault, error) {
	v := &HashiCorpVault{}
	for _, opt := range opts {
		opt(v)
	}
	if v.kv != nil {
		return v, nil
	}

	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("failed to load vault config: %w", apiCfg.Error)
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(string(cfg.Token))
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	v.kv = client.KVv2(mount)
	return v, nil
}

// Put implements Vault.
func (v *HashiCorpVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	secret, err := v.kv.Put(ctx, path, map[string]interface{}{valueKey: string(material)})
	if err != nil {
		return "", err
	}
	if secret == nil || secret.VersionMetadata == nil {
		return "", fmt.Errorf("vault returned no version metadata for %s", path)
	}
	return strconv.Itoa(secret.VersionMetadata.Version), nil
}

// Get implements Vault.
func (v *HashiCorpVault) Get(ctx context.Context, path, version string) ([]byte, error) {
	var (
		secret *api.KVSecret
		err    error
	)
	if version == "" {
		secret, err = v.kv.Get(ctx, path)
	} else {
		n, convErr := strconv.Atoi(version)
		if convErr != nil {
			return nil, dserrors.NewValidationError("version", "invalid KV version %q", version)
		}
		secret, err = v.kv.GetVersion(ctx, path, n)
	}
	if err != nil {
		return nil, hashicorpError(err, path)
	}
	if secret == nil || secret.Data == nil {
		return nil, dserrors.NotFound("secret", path)
	}
	value, ok := secret.Data[valueKey].(string)
	if !ok {
		return nil, fmt.Errorf("secret %s has no %q field", path, valueKey)
	}
	return []byte(value), nil
}

// Delete implements Vault. A whole-path delete removes the metadata and
// every version; a versioned delete destroys that version permanently.
func (v *HashiCorpVault) Delete(ctx context.Context, path, version string) error {
	if version == "" {
		return hashicorpError(v.kv.DeleteMetadata(ctx, path), path)
	}
	n, err := strconv.Atoi(version)
	if err != nil {
		return dserrors.NewValidationError("version", "invalid KV version %q", version)
	}
	return hashicorpError(v.kv.Destroy(ctx, path, []int{n}), path)
}

func hashicorpError(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("%w: %v", dserrors.NotFound("secret", path), err)
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return fmt.Errorf("%w: %v", dserrors.NotFound("secret", path), err)
	}
	return err
}
