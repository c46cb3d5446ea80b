package router

import (
	"strings"

	"github.com/sshagentmux/sshagentmux/internal/core"
)

// matchHostHint returns the fingerprint of the first hint pattern matching
// hint, in list order: first match wins.
func matchHostHint(hint string, hints []core.HostKeyMappingRecord) (fingerprint string, matched bool) {
	if hint == "" {
		return "", false
	}
	for _, h := range hints {
		if hostHintMatches(h.Pattern, hint) {
			return h.Fingerprint, true
		}
	}
	return "", false
}

// hostHintMatches implements the grammar "host[:owner/*]" or "host:*".
// A bare host matches any hint for that host; "host:*" matches any
// owner/repo under that host; "host:owner/*" matches any repo under that
// owner.
func hostHintMatches(pattern, hint string) bool {
	patHost, patRest, patHasRest := strings.Cut(pattern, ":")
	hintHost, hintRest, hintHasRest := strings.Cut(hint, ":")

	if patHost != hintHost {
		return false
	}
	if !patHasRest {
		return true
	}
	if patRest == "*" {
		return true
	}
	if !hintHasRest {
		return false
	}
	if strings.HasSuffix(patRest, "/*") {
		prefix := strings.TrimSuffix(patRest, "*")
		return strings.HasPrefix(hintRest, prefix)
	}
	return patRest == hintRest
}
