package reliability

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureClass labels why a job attempt failed.
type FailureClass string

const (
	FailureNone          FailureClass = "none"
	FailureNetwork       FailureClass = "network"
	FailureDeterministic FailureClass = "deterministic"
)

var networkFailureMarkers = []string{
	"connectionerror",
	"connection reset",
	"connection refused",
	"connection aborted",
	"remote end closed connection",
	"max retries exceeded",
	"read timed out",
	"connect timeout",
	"timed out",
	"temporary failure in name resolution",
	"name or service not known",
	"could not resolve host",
	"network is unreachable",
	"no route to host",
	"ssl: ",
	"sslerror",
	"incompleteread",
	"chunkedencodingerror",
	"couldn't connect to",
	"offline mode is enabled",
}

var httpStatusPattern = regexp.MustCompile(`(?i)(?:status(?: code)?|http(?:/\d(?:\.\d)?)?|error)[\s:=]+(\d{3})\b`)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyOutput inspects the tail of a failed run's output. Only network-shaped
// failures are worth retrying against another mirror.
func ClassifyOutput(lines []string) FailureClass {
	if len(lines) == 0 {
		return FailureDeterministic
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range networkFailureMarkers {
			if strings.Contains(lower, marker) {
				return FailureNetwork
			}
		}
		for _, m := range httpStatusPattern.FindAllStringSubmatch(line, -1) {
			code, err := strconv.Atoi(m[1])
			if err == nil && IsRetryableHTTPStatus(code) {
				return FailureNetwork
			}
		}
	}
	return FailureDeterministic
}

func IsNetworkFailure(lines []string) bool {
	return ClassifyOutput(lines) == FailureNetwork
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
