// Package redact removes secrets from strings before they are logged or
// returned in error responses. Notify URLs carry a capability token and
// database URLs carry passwords; neither may reach a log line intact.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

// Placeholders substituted for redacted values
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules are applied in order; later rules see the output of earlier ones.
var rules = []rule{
	{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		"[REDACTED_JWT]",
	},
	{
		regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`),
		"${1}" + RedactedCredentialPlaceholder + "@",
	},
	{
		regexp.MustCompile(`(?i)([?&](?:token|secret|api_key|key|password)=)[^&\s"']+`),
		"${1}" + RedactionPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(^|[^?&\w])(password|passwd|pwd)\s*[=:]\s*['"]?[^'"&\s\[]+`),
		"${1}${2}=" + RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?s)(?:panic:|goroutine \d+ \[).*`),
		"[STACK_TRACE_REDACTED]",
	},
	{
		regexp.MustCompile(`(^|[\s'"=(])(/[\w.-]+){2,}`),
		"${1}" + RedactedPathPlaceholder,
	},
}

// sensitiveParams are query parameters whose values URL hides.
var sensitiveParams = map[string]bool{
	"token":    true,
	"secret":   true,
	"api_key":  true,
	"key":      true,
	"password": true,
}

// String redacts credentials, capability tokens, JWTs, stack traces and
// absolute file paths from input.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.replacement)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// URL hides the password of raw's userinfo and the values of sensitive
// query parameters, leaving the rest of the URL readable for logs.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return String(raw)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if sensitiveParams[strings.ToLower(key)] {
				q.Set(key, "REDACTED")
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
