package vault

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// GCPConfig configures the GCP Secret Manager backend.
type GCPConfig struct {
	ProjectID          string `yaml:"project_id" json:"project_id"`
	CredentialsFile    string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
	ImpersonateAccount string `yaml:"impersonate_service_account,omitempty" json:"impersonate_service_account,omitempty"`
}

// SecretManagerClientAPI is the subset of Secret Manager operations in use.
type SecretManagerClientAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	DestroySecretVersion(ctx context.Context, req *secretmanagerpb.DestroySecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
}

// gcpClient adapts *secretmanager.Client, whose methods take call options.
type gcpClient struct {
	c *secretmanager.Client
}

func (g gcpClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.CreateSecret(ctx, req)
}

func (g gcpClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, req)
}

func (g gcpClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpClient) DestroySecretVersion(ctx context.Context, req *secretmanagerpb.DestroySecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.DestroySecretVersion(ctx, req)
}

func (g gcpClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return g.c.DeleteSecret(ctx, req)
}

// GCPVault stores material in GCP Secret Manager. Secret ids only allow
// letters, digits, dashes and underscores, so path separators become "__".
type GCPVault struct {
	client    SecretManagerClientAPI
	projectID string
}

// GCPOption configures a GCPVault.
type GCPOption func(*GCPVault)

// WithSecretManagerClient injects a client, typically a fake in tests.
func WithSecretManagerClient(client SecretManagerClientAPI) GCPOption {
	return func(v *GCPVault) {
		v.client = client
	}
}

// NewGCPVault creates a Secret Manager backed vault.
func NewGCPVault(ctx context.Context, cfg GCPConfig, opts ...GCPOption) (*GCPVault, error) {
	if cfg.ProjectID == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault.gcp.project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set vault.gcp.project_id to the project that owns the secrets",
		}
	}
	v := &GCPVault{projectID: cfg.ProjectID}
	for _, opt := range opts {
		opt(v)
	}
	if v.client != nil {
		return v, nil
	}

	var clientOptions []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.ImpersonateAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: cfg.ImpersonateAccount,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		}, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to impersonate %s: %w", cfg.ImpersonateAccount, err)
		}
		clientOptions = []option.ClientOption{option.WithTokenSource(ts)}
	}

	client, err := secretmanager.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}
	v.client = gcpClient{c: client}
	return v, nil
}

func (v *GCPVault) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", v.projectID, flattenPath(path, "__"))
}

// Put implements Vault. The first write creates the secret with automatic
// replication.
func (v *GCPVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	name := v.secretName(path)
	add := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: material},
	}

	ver, err := v.client.AddSecretVersion(ctx, add)
	if status.Code(err) == codes.NotFound {
		_, err = v.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + v.projectID,
			SecretId: flattenPath(path, "__"),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
				Labels: map[string]string{"managed-by": "credrotate"},
			},
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return "", gcpError(err, path)
		}
		ver, err = v.client.AddSecretVersion(ctx, add)
	}
	if err != nil {
		return "", gcpError(err, path)
	}
	return versionSuffix(ver.GetName()), nil
}

// Get implements Vault.
func (v *GCPVault) Get(ctx context.Context, path, version string) ([]byte, error) {
	if version == "" {
		version = "latest"
	}
	resp, err := v.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: v.secretName(path) + "/versions/" + version,
	})
	if err != nil {
		return nil, gcpError(err, path)
	}
	return resp.GetPayload().GetData(), nil
}

// Delete implements Vault.
func (v *GCPVault) Delete(ctx context.Context, path, version string) error {
	var err error
	if version == "" {
		err = v.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: v.secretName(path)})
	} else {
		_, err = v.client.DestroySecretVersion(ctx, &secretmanagerpb.DestroySecretVersionRequest{
			Name: v.secretName(path) + "/versions/" + version,
		})
	}
	if err != nil {
		return gcpError(err, path)
	}
	return nil
}

func versionSuffix(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func gcpError(err error, path string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", dserrors.NotFound("secret", path), err)
	}
	return err
}
