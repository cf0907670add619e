package resilience

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/crewline/bootstage/pkg/schema"
)

// Classify maps an error onto the failure taxonomy. Precedence: a declared
// StageError kind wins, then structural checks on wrapped error types, then
// message substrings as a last resort. Classification never looks at which
// stage produced the error.
func Classify(err error) schema.FailureKind {
	if err == nil {
		return schema.FailureUnknown
	}

	var stageErr *schema.StageError
	if errors.As(err, &stageErr) && stageErr.Kind != "" {
		return stageErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTimeout
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, fs.ErrPermission) {
		return schema.FailurePermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.FailureTimeout
		}
		return schema.FailureNetwork
	}

	// Substring heuristics, last resort.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthenticated", "authentication", "token expired", "session expired", "sign in"):
		return schema.FailureAuthentication
	case containsAny(msg, "permission denied", "forbidden", "unauthorized"):
		return schema.FailurePermission
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return schema.FailureTimeout
	case containsAny(msg, "connection refused", "connection reset", "broken pipe",
		"network", "unreachable", "dns", "service unavailable", "bad gateway"):
		return schema.FailureNetwork
	case containsAny(msg, "unmarshal", "parse", "decode", "corrupt", "malformed", "not found", "missing field"):
		return schema.FailureData
	case containsAny(msg, "misconfigured", "configuration", "invalid config"):
		return schema.FailureConfiguration
	case containsAny(msg, "fatal", "panic"):
		return schema.FailureCritical
	}

	return schema.FailureUnknown
}

// ActionFor chooses the recovery action for a classified failure.
// Abort is reserved for critical stages and unrecoverable configuration or
// critical failures; everything else is contained at the orchestrator
// boundary.
func ActionFor(kind schema.FailureKind, stageCritical bool) schema.RecoveryAction {
	switch kind {
	case schema.FailureConfiguration, schema.FailureCritical:
		return schema.RecoveryAbort

	case schema.FailureNetwork, schema.FailureTimeout:
		return schema.RecoveryRetry

	case schema.FailureData:
		if stageCritical {
			return schema.RecoveryRetry
		}
		return schema.RecoveryFallback

	case schema.FailurePermission, schema.FailureAuthentication:
		if stageCritical {
			return schema.RecoveryAbort
		}
		return schema.RecoveryProceed

	default: // unknown
		return schema.RecoveryRetry
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
