package vault

import (
	"context"
	"fmt"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
)

// New builds the backend named by cfg.Type and wraps it with Instrument.
func New(ctx context.Context, cfg Config, logger *logging.Logger, rec *metrics.Recorder) (*Instrumented, error) {
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	typ := cfg.Type
	if typ == "" {
		typ = TypeMemory
	}
	return Instrument(backend, typ, InstrumentOptions{
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Metrics:   rec,
		Logger:    logger,
	}), nil
}

func newBackend(ctx context.Context, cfg Config) (Vault, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryVault(), nil
	case TypeFile:
		return NewFileVault(cfg.File.Path)
	case TypeAzure:
		return NewAzureVault(cfg.Azure)
	case TypeAWS:
		return NewAWSVault(ctx, cfg.AWS)
	case TypeSSM:
		return NewSSMVault(ctx, cfg.SSM)
	case TypeGCP:
		return NewGCPVault(ctx, cfg.GCP)
	case TypeHashiCorp:
		return NewHashiCorpVault(cfg.HashiCorp)
	default:
		return nil, dserrors.ConfigError{
			Field:      "vault.type",
			Value:      cfg.Type,
			Message:    fmt.Sprintf("unsupported vault type %q", cfg.Type),
			Suggestion: "Use one of: memory, file, azure_keyvault, aws_secretsmanager, aws_ssm, gcp_secretmanager, hashicorp_vault",
		}
	}
}
