// ABOUTME: Masks credentials before feed URLs, payload snippets, and errors reach logs
// ABOUTME: Handles userinfo passwords, signed-URL query parameters, bearer tokens, and AWS key ids

package observability

import (
	"net/url"
	"regexp"
	"strings"
)

// RedactionPlaceholder replaces every masked value.
const RedactionPlaceholder = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Values end at whitespace, '&', or a quote so query strings and JSON
// fragments keep their structure.
var redactRules = []redactRule{
	{
		re:   regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|auth_token|access_token|api[_-]?key|secret|client_secret|sig|x-amz-signature|x-amz-credential|x-amz-security-token|x-goog-signature|x-goog-credential)=[^\s&"']+`),
		repl: "${1}=" + RedactionPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\bbearer\s+[^\s"']+`),
		repl: "Bearer " + RedactionPlaceholder,
	},
	{
		re:   regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		repl: RedactionPlaceholder,
	},
}

var sensitiveKeyParts = []string{
	"password", "passwd", "pwd", "token", "secret", "apikey", "api_key", "api-key",
	"auth", "credential", "signature", "private_key", "privatekey",
}

// RedactSensitive masks credential-looking substrings of s.
func RedactSensitive(s string) string {
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// RedactURL masks the userinfo password and every query value whose key
// looks sensitive. Input that is not an absolute URL is passed through
// RedactSensitive instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return RedactSensitive(raw)
	}

	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if IsSensitiveKey(key) || strings.EqualFold(key, "sig") {
				q[key] = []string{"REDACTED"}
			}
		}
		u.RawQuery = q.Encode()
	}

	return strings.ReplaceAll(u.String(), "REDACTED", RedactionPlaceholder)
}

// IsSensitiveKey reports whether a parameter or field name suggests a secret.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}
