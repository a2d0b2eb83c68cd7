package logging

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecretRedaction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "secret is redacted", input: "my-secret-password"},
		{name: "empty secret is still redacted", input: ""},
		{name: "complex secret is redacted", input: "password123!@#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "[REDACTED]", Secret(tt.input).String())
			assert.Equal(t, "[REDACTED]", Secret(tt.input).GoString())
			assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", Secret(tt.input)))
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, true)

	logger.Info("rotated %s", "cred-1")
	logger.Warn("retrying %d", 2)
	logger.Error("vault down")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "✓ rotated cred-1")
	assert.Contains(t, out, "⚠ retrying 2")
	assert.Contains(t, out, "✗ vault down")
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "\033[")
}

func TestLoggerDebugMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, true, true)
	assert.True(t, logger.DebugEnabled())

	logger.Debug("claimed slot for %s", "cred-1")
	assert.Equal(t, "[DEBUG] claimed slot for cred-1\n", buf.String())
}

func TestLoggerColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, false)
	logger.Error("boom")

	assert.Equal(t, "\033[31m✗\033[0m boom\n", buf.String())
}

func TestLoggerComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root := NewWithWriter(&buf, false, true)
	root.Component("rotation").Component("scheduler").Info("tick")
	root.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"✓ [rotation/scheduler] tick", "✓ plain"}, lines)
}

func TestLoggerSecretInFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, true)
	logger.Info("stored material %s", Secret("hunter2-hunter2"))

	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

func TestLoggerConcurrentWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, true)
	sub := logger.Component("worker")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				logger.Info("line %d", n)
			} else {
				sub.Info("line %d", n)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 20)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	logger := Discard()
	logger.Info("nothing")
	logger.Component("x").Error("still nothing")
}

// TestRedactFunction tests the Redact utility function
func TestRedactFunction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		secrets  []string
		expected string
	}{
		{
			name:     "single secret redacted",
			input:    "The password is secret123",
			secrets:  []string{"secret123"},
			expected: "The password is [REDACTED]",
		},
		{
			name:     "multiple secrets redacted",
			input:    "User admin with password secret123 and API key abc123",
			secrets:  []string{"admin", "secret123", "abc123"},
			expected: "User [REDACTED] with password [REDACTED] and API key [REDACTED]",
		},
		{
			name:     "no secrets to redact",
			input:    "This has no secrets",
			secrets:  []string{},
			expected: "This has no secrets",
		},
		{
			name:     "short secret ignored",
			input:    "Short secret: ab",
			secrets:  []string{"ab"},
			expected: "Short secret: ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Redact(tt.input, tt.secrets))
		})
	}
}
