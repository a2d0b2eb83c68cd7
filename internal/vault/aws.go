package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// AWSConfig configures the AWS Secrets Manager backend.
type AWSConfig struct {
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	// RecoveryWindowDays applies to whole-path deletes. Zero forces an
	// immediate delete.
	RecoveryWindowDays int64 `yaml:"recovery_window_days,omitempty" json:"recovery_window_days,omitempty"`
}

// SecretsManagerClientAPI is the subset of *secretsmanager.Client in use.
type SecretsManagerClientAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// AWSVault stores material in AWS Secrets Manager, one secret per path.
type AWSVault struct {
	client         SecretsManagerClientAPI
	recoveryWindow int64
}

// AWSOption configures an AWSVault.
type AWSOption func(*AWSVault)

// WithSecretsManagerClient injects a client, typically a fake in tests.
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSOption {
	return func(v *AWSVault) {
		v.client = client
	}
}

// NewAWSVault creates a Secrets Manager backed vault.
func NewAWSVault(ctx context.Context, cfg AWSConfig, opts ...AWSOption) (*AWSVault, error) {
	v := &AWSVault{recoveryWindow: cfg.RecoveryWindowDays}
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

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	v.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return v, nil
}

// Put implements Vault. The first write creates the secret.
func (v *AWSVault) Put(ctx context.Context, path string, material []byte) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	out, err := v.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(path),
		SecretString: aws.String(string(material)),
	})
	if err == nil {
		return aws.ToString(out.VersionId), nil
	}
	if !isAWSNotFound(err) {
		return "", awsError(err, path)
	}

	created, err := v.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(path),
		SecretString: aws.String(string(material)),
		Description:  aws.String("managed by credrotate"),
		Tags:         []types.Tag{{Key: aws.String("managed-by"), Value: aws.String("credrotate")}},
	})
	if err != nil {
		return "", awsError(err, path)
	}
	return aws.ToString(created.VersionId), nil
}

// Get implements Vault.
func (v *AWSVault) Get(ctx context.Context, path, version string) ([]byte, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(path)}
	if version != "" {
		input.VersionId = aws.String(version)
	}
	out, err := v.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, awsError(err, path)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return out.SecretBinary, nil
}

// Delete implements Vault. Secrets Manager cannot delete a single version;
// a versioned delete detaches the AWSPREVIOUS label so the version becomes
// deprecated and is reclaimed by the service.
func (v *AWSVault) Delete(ctx context.Context, path, version string) error {
	if version == "" {
		input := &secretsmanager.DeleteSecretInput{SecretId: aws.String(path)}
		if v.recoveryWindow > 0 {
			input.RecoveryWindowInDays = aws.Int64(v.recoveryWindow)
		} else {
			input.ForceDeleteWithoutRecovery = aws.Bool(true)
		}
		if _, err := v.client.DeleteSecret(ctx, input); err != nil {
			return awsError(err, path)
		}
		return nil
	}

	_, err := v.client.UpdateSecretVersionStage(ctx, &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:            aws.String(path),
		VersionStage:        aws.String("AWSPREVIOUS"),
		RemoveFromVersionId: aws.String(version),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidParameterException" {
			// Label not attached to this version.
			return nil
		}
		return awsError(err, path)
	}
	return nil
}

func isAWSNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}

func awsError(err error, path string) error {
	if isAWSNotFound(err) {
		return fmt.Errorf("%w: %v", dserrors.NotFound("secret", path), err)
	}
	return err
}
