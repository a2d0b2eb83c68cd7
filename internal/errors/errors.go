package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// BackendError wraps a vault backend failure in a UserError with a suggestion
// for the operator, keeping the original error reachable through Unwrap.
func BackendError(backend string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s vault error during %s", backend, operation),
		Suggestion: backendSuggestion(backend, err),
		Err:        err,
	}
}

func backendSuggestion(backend string, err error) string {
	errStr := err.Error()

	switch backend {
	case "azure_keyvault":
		if strings.Contains(errStr, "Forbidden") || strings.Contains(errStr, "403") {
			return "Grant the identity 'set', 'get' and 'delete' secret permissions on the key vault"
		}
		if strings.Contains(errStr, "DefaultAzureCredential") {
			return "Run 'az login' or configure a client secret / managed identity"
		}

	case "aws_secretsmanager":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:PutSecretValue and secretsmanager:CreateSecret"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Lower vault.rate_limit.requests_per_second"
		}

	case "aws_ssm":
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for ssm:PutParameter, ssm:GetParameter, ssm:DeleteParameter and kms:Decrypt"
		}

	case "gcp_secretmanager":
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant roles/secretmanager.admin to the service account"
		}
		if strings.Contains(errStr, "could not find default credentials") {
			return "Run 'gcloud auth application-default login' or set vault.gcp.credentials_file"
		}

	case "hashicorp_vault":
		if strings.Contains(errStr, "permission denied") {
			return "Check the token policy allows create/read/delete on the KV mount"
		}
		if strings.Contains(errStr, "missing client token") {
			return "Set vault.hashicorp.token or the VAULT_TOKEN environment variable"
		}
	}

	// Generic suggestions
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "The operation timed out. Check your network connection or raise vault.timeout"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and vault configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable. Validation failures, state
// conflicts and missing records never are, even from a vault backend.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrConcurrentModification) {
		return true
	}

	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		return BackendError(vaultErr.Backend, vaultErr.Op, err)
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return UserError{
			Message:    "Not found",
			Suggestion: "List known ids with 'credrotate credentials list'",
			Err:        err,
		}
	case errors.Is(err, ErrAttemptInFlight):
		return UserError{
			Message:    "A rotation is already scheduled or running for this credential",
			Suggestion: "Check it with 'credrotate rotation status' or cancel it with 'credrotate rotation cancel'",
			Err:        err,
		}
	case errors.Is(err, ErrConcurrentModification):
		return UserError{
			Message:    "The record was changed by another process",
			Suggestion: "Re-run the command",
			Err:        err,
		}
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
