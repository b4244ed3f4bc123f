package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	hfTokenPattern    = regexp.MustCompile(`\bhf_[A-Za-z0-9]{20,}\b`)
	bearerPattern     = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._\-]{16,}`)
	urlCredsPattern   = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`)
	secretAssignRegex = regexp.MustCompile(`(?i)\b([A-Z0-9_\-]*(?:token|secret|password|passwd|api[_\-]?key)[A-Z0-9_\-]*)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`)
)

var sensitiveEnvMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "APIKEY", "CREDENTIAL"}

// RedactSecrets masks credentials that engines and launch commands tend to echo.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := urlCredsPattern.ReplaceAllString(out, "${1}[REDACTED]@")
	changed = changed || next != out
	out = next

	next = secretAssignRegex.ReplaceAllString(out, "${1}${2}[REDACTED]")
	changed = changed || next != out
	out = next

	next = hfTokenPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "${1} [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactLine is RedactSecrets without the changed flag.
func RedactLine(line string) string {
	out, _ := RedactSecrets(line)
	return out
}

// RedactArgv masks secrets in each argument. The input is not modified.
func RedactArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = RedactLine(a)
	}
	return out
}

// RedactEnv masks values of KEY=VALUE entries whose key looks sensitive.
func RedactEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if ok && IsSensitiveKey(key) {
			out = append(out, key+"=[REDACTED]")
			continue
		}
		out = append(out, RedactLine(kv))
	}
	return out
}

func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
