package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// DefaultSSMPrefix is prepended to every parameter name.
const DefaultSSMPrefix = "/credrotate"

// SSMConfig configures the AWS Systems Manager Parameter Store backend.
type SSMConfig struct {
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	ParameterPrefix string `yaml:"parameter_prefix,omitempty" json:"parameter_prefix,omitempty"`
	// KMSKeyID encrypts the SecureString parameters. Empty uses the
	// account's aws/ssm key.
	KMSKeyID string `yaml:"kms_key_id,omitempty" json:"kms_key_id,omitempty"`
}

// SSMClientAPI is the subset of *ssm.Client in use.
type SSMClientAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// SSMVault stores material as SecureString parameters, one per path.
// Parameter versions are the vault versions.
type SSMVault struct {
	client SSMClientAPI
	prefix string
	keyID  string
}

// SSMOption configures an SSMVault.
type SSMOption func(*SSMVault)

// WithSSMClient injects a client, typically a fake in tests.
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(v *SSMVault) {
		v.client = client
	}
}

// NewSSMVault creates a Parameter Store backed vault.
func NewSSMVault(ctx context.Context, cfg SSMConfig, opts ...SSMOption) (*SSMVault, error) {
	prefix := cfg.ParameterPrefix
	if prefix == "" {
		prefix = DefaultSSMPrefix
	}
	v := &SSMVault{
		prefix: "/" + strings.Trim(prefix, "/"),
		keyID:  cfg.KMSKeyID,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client != nil {
		return v, nil
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	configOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*ssm.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *ssm.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	v.client = ssm.NewFromConfig(awsCfg, clientOpts...)
	return v, nil
}

func (v *SSMVault) name(path string) string {
	return v.prefix + "/" + path
}

// Put implements Vault.
func (v *SSMVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	input := &ssm.PutParameterInput{
		Name:      aws.String(v.name(path)),
		Value:     aws.String(string(material)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if v.keyID != "" {
		input.KeyId = aws.String(v.keyID)
	}
	out, err := v.client.PutParameter(ctx, input)
	if err != nil {
		return "", ssmError(err, path)
	}
	return strconv.FormatInt(out.Version, 10), nil
}

// Get implements Vault. A version is addressed with the name:version
// selector.
func (v *SSMVault) Get(ctx context.Context, path, version string) ([]byte, error) {
	name := v.name(path)
	if version != "" {
		name += ":" + version
	}
	out, err := v.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, ssmError(err, path)
	}
	if out.Parameter == nil {
		return nil, dserrors.NotFound("parameter", path)
	}
	return []byte(aws.ToString(out.Parameter.Value)), nil
}

// Delete implements Vault. Parameter Store cannot delete a single version,
// so a versioned delete removes the parameter only when version is still
// its latest. Superseded versions stay in the parameter history.
func (v *SSMVault) Delete(ctx context.Context, path, version string) error {
	if version != "" {
		out, err := v.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(v.name(path))})
		if err != nil {
			return ssmError(err, path)
		}
		if out.Parameter == nil || strconv.FormatInt(out.Parameter.Version, 10) != version {
			return nil
		}
	}
	if _, err := v.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(v.name(path))}); err != nil {
		return ssmError(err, path)
	}
	return nil
}

func isSSMNotFound(err error) bool {
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return true
	}
	var versionNotFound *types.ParameterVersionNotFound
	if errors.As(err, &versionNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ParameterNotFound", "ParameterVersionNotFound":
			return true
		}
	}
	return false
}

func ssmError(err error, path string) error {
	if isSSMNotFound(err) {
		return fmt.Errorf("%w: %v", dserrors.NotFound("parameter", path), err)
	}
	return err
}
