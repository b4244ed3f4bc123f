package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ArgDecision is the verdict on caller-supplied engine arguments.
type ArgDecision struct {
	Blocked bool
	Reason  string
}

var (
	argNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

	blockedValuePatterns = []*regexp.Regexp{
		regexp.MustCompile("[;&|`$<>]"),
		regexp.MustCompile(`[\r\n\x00]`),
		regexp.MustCompile(`(?i)(?:^|/)\.\.(?:/|$)`),
		regexp.MustCompile(`(?i)(?:id_rsa|id_ed25519|\.env|auth\.json|\.netrc)\b`),
	}

	// Flags the launcher owns. Letting a caller set them would redirect output
	// or config outside the task directory.
	reservedEngineArgs = []string{
		"config", "config_file", "output_dir", "output", "logging_dir",
		"metrics_file", "resume_from_checkpoint", "cache_dir",
	}
)

// DecideEngineArgs checks extra engine arguments before they reach argv.
func DecideEngineArgs(extra map[string]string) ArgDecision {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := strings.TrimLeft(strings.TrimSpace(k), "-")
		if !argNamePattern.MatchString(name) {
			return ArgDecision{Blocked: true, Reason: fmt.Sprintf("argument name %q is not allowed", k)}
		}
		if IsReservedEngineArg(name) {
			return ArgDecision{Blocked: true, Reason: fmt.Sprintf("argument %q is managed by the launcher", name)}
		}
		for _, re := range blockedValuePatterns {
			if re.MatchString(extra[k]) {
				return ArgDecision{Blocked: true, Reason: fmt.Sprintf("value for %q contains disallowed content", name)}
			}
		}
	}
	return ArgDecision{}
}

func IsReservedEngineArg(name string) bool {
	name = strings.ToLower(strings.ReplaceAll(strings.TrimLeft(name, "-"), "-", "_"))
	for _, r := range reservedEngineArgs {
		if name == r {
			return true
		}
	}
	return false
}
