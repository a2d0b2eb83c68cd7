package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// AzureConfig configures the Azure Key Vault backend.
type AzureConfig struct {
	VaultURL           string `yaml:"vault_url" json:"vault_url"`
	TenantID           string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ClientID           string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret       string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	UseManagedIdentity bool   `yaml:"use_managed_identity,omitempty" json:"use_managed_identity,omitempty"`
	UserAssignedID     string `yaml:"user_assigned_identity_id,omitempty" json:"user_assigned_identity_id,omitempty"`
}

// AzureKeyVaultClientAPI is the subset of *azsecrets.Client in use.
type AzureKeyVaultClientAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	UpdateSecretProperties(ctx context.Context, name string, version string, parameters azsecrets.UpdateSecretPropertiesParameters, options *azsecrets.UpdateSecretPropertiesOptions) (azsecrets.UpdateSecretPropertiesResponse, error)
}

// AzureVault stores material as Key Vault secrets. Key Vault names only
// allow alphanumerics and dashes, so path separators become "--".
type AzureVault struct {
	client AzureKeyVaultClientAPI
}

// AzureOption configures an AzureVault.
type AzureOption func(*AzureVault)

// WithAzureClient injects a client, typically a fake in tests.
func WithAzureClient(client AzureKeyVaultClientAPI) AzureOption {
	return func(v *AzureVault) {
		v.client = client
	}
}

// NewAzureVault creates a Key Vault backed vault.
func NewAzureVault(cfg AzureConfig, opts ...AzureOption) (*AzureVault, error) {
	v := &AzureVault{}
	for _, opt := range opts {
		opt(v)
	}
	if v.client != nil {
		return v, nil
	}

	if cfg.VaultURL == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault.azure.vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Provide the Key Vault URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	if _, err := url.Parse(cfg.VaultURL); err != nil {
		return nil, dserrors.ConfigError{
			Field:      "vault.azure.vault_url",
			Message:    "Invalid vault_url format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}

	client, err := createAzureKeyVaultClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Key Vault client: %w", err)
	}
	v.client = client
	return v, nil
}

func createAzureKeyVaultClient(cfg AzureConfig) (*azsecrets.Client, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)

	switch {
	case cfg.UseManagedIdentity && cfg.UserAssignedID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.UserAssignedID),
		})
	case cfg.UseManagedIdentity:
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	case cfg.ClientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	return azsecrets.NewClient(cfg.VaultURL, cred, nil)
}

func azureName(path string) string {
	return flattenPath(path, "--")
}

// Put implements Vault.
func (v *AzureVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	resp, err := v.client.SetSecret(ctx, azureName(path), azsecrets.SetSecretParameters{
		Value:       to.Ptr(string(material)),
		ContentType: to.Ptr("text/plain"),
		Tags:        map[string]*string{"managed-by": to.Ptr("credrotate"), "path": to.Ptr(path)},
	}, nil)
	if err != nil {
		return "", azureError(err, path)
	}
	if resp.ID == nil {
		return "", fmt.Errorf("azure key vault returned no secret id for %s", path)
	}
	return resp.ID.Version(), nil
}

// Get implements Vault.
func (v *AzureVault) Get(ctx context.Context, path, version string) ([]byte, error) {
	resp, err := v.client.GetSecret(ctx, azureName(path), version, nil)
	if err != nil {
		return nil, azureError(err, path)
	}
	if resp.Value == nil {
		return nil, dserrors.NotFound("secret value", path)
	}
	return []byte(*resp.Value), nil
}

// Delete implements Vault. Key Vault cannot delete a single version, so a
// versioned delete disables that version instead.
func (v *AzureVault) Delete(ctx context.Context, path, version string) error {
	name := azureName(path)
	if version == "" {
		if _, err := v.client.DeleteSecret(ctx, name, nil); err != nil {
			return azureError(err, path)
		}
		return nil
	}
	_, err := v.client.UpdateSecretProperties(ctx, name, version, azsecrets.UpdateSecretPropertiesParameters{
		SecretAttributes: &azsecrets.SecretAttributes{Enabled: to.Ptr(false)},
	}, nil)
	if err != nil {
		return azureError(err, path)
	}
	return nil
}

func azureError(err error, path string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return dserrors.NotFound("secret", path)
	}
	return err
}
