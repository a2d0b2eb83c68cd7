// Package vault stores credential material in a secret store. The engine
// only ever writes new versions, reads them back and deletes old ones;
// everything else about the backing product is out of its hands.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend names accepted in Config.Type.
const (
	TypeMemory    = "memory"
	TypeFile      = "file"
	TypeAzure     = "azure_keyvault"
	TypeAWS       = "aws_secretsmanager"
	TypeSSM       = "aws_ssm"
	TypeGCP       = "gcp_secretmanager"
	TypeHashiCorp = "hashicorp_vault"
)

// Vault is the secret store collaborator.
type Vault interface {
	// Put writes material as a new version at path and returns the version id.
	Put(ctx context.Context, path string, material []byte) (string, error)
	// Get reads a version; an empty version means the latest.
	Get(ctx context.Context, path, version string) ([]byte, error)
	// Delete removes one version, or the whole path when version is empty.
	Delete(ctx context.Context, path, version string) error
}

// Config selects and configures a backend.
type Config struct {
	Type      string          `yaml:"type" json:"type"`
	Timeout   time.Duration   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	File      FileConfig      `yaml:"file,omitempty" json:"file,omitempty"`
	Azure     AzureConfig     `yaml:"azure,omitempty" json:"azure,omitempty"`
	AWS       AWSConfig       `yaml:"aws,omitempty" json:"aws,omitempty"`
	SSM       SSMConfig       `yaml:"ssm,omitempty" json:"ssm,omitempty"`
	GCP       GCPConfig       `yaml:"gcp,omitempty" json:"gcp,omitempty"`
	HashiCorp HashiCorpConfig `yaml:"hashicorp,omitempty" json:"hashicorp,omitempty"`
}

// DefaultTimeout bounds every vault call when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// validatePath rejects paths that could escape a backend's namespace.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("vault path is required")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("vault path %q must be relative", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("vault path %q contains an invalid segment", path)
		}
	}
	return nil
}

// flattenPath maps a hierarchical path to a single name for stores that
// do not allow slashes.
func flattenPath(path, sep string) string {
	return strings.ReplaceAll(path, "/", sep)
}
