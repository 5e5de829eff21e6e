package redact_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/discover-tasks/internal/redact"
)

func TestRedactString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "no sensitive data",
			input:    "This is a normal log message",
			expected: "This is a normal log message",
		},
		{
			name:     "database connection string",
			input:    "dial postgres://user:pw@localhost:5432/db failed",
			expected: "dial postgres://[REDACTED_CREDENTIAL]@localhost:5432/db failed",
		},
		{
			name:     "capability token in notify url",
			input:    "POST http://requester/regions/42/watch?token=abc123&x=1 failed",
			expected: "POST http://requester/regions/42/watch?token=[REDACTED]&x=1 failed",
		},
		{
			name:     "password parameter",
			input:    "login failed password=hunter22 for user",
			expected: "login failed password=[REDACTED_CREDENTIAL] for user",
		},
		{
			name:     "JWT token",
			input:    "bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.abc_def",
			expected: "bearer [REDACTED_JWT]",
		},
		{
			name:     "file path",
			input:    "open /var/lib/discover/results/x.zip: no such file",
			expected: "open [REDACTED_PATH]: no such file",
		},
		{
			name:     "stack trace",
			input:    "panic: boom\ngoroutine 1 [running]:\nmain.main()",
			expected: "[STACK_TRACE_REDACTED]",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, redact.String(tc.input))
		})
	}
}

func TestRedactError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, "", redact.Error(nil))
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New(`Post "http://req/regions/1/watch?token=secretvalue": connection refused`)
		wrapped := fmt.Errorf("notifier: %w", inner)
		assert.Equal(t,
			`notifier: Post "http://req/regions/1/watch?token=[REDACTED]": connection refused`,
			redact.Error(wrapped))
	})
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "notify url",
			input:    "http://req/regions/1/watch?token=abc",
			expected: "http://req/regions/1/watch?token=REDACTED",
		},
		{
			name:     "dsn",
			input:    "postgres://user:pw@db:5432/app?sslmode=disable",
			expected: "postgres://user:xxxxx@db:5432/app?sslmode=disable",
		},
		{
			name:     "plain url",
			input:    "http://executor:8081/regions/abc/result",
			expected: "http://executor:8081/regions/abc/result",
		},
		{
			name:     "not a url",
			input:    "password=hunter22",
			expected: "password=[REDACTED_CREDENTIAL]",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, redact.URL(tc.input))
		})
	}
}
