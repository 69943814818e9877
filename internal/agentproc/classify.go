package agentproc

import "strings"

// staleSessionMarkers are the documented substrings (spec §7 StaleSession,
// §8 scenario 2) that identify a child-process failure caused by the
// resumed session no longer existing on the provider side, as opposed to
// any other non-zero exit.
var staleSessionMarkers = map[Provider][]string{
	ProviderCodex:  {"No conversation found with session ID", "no conversation found with id"},
	ProviderClaude: {"No conversation found", "session not found", "could not resume session"},
}

// IsStaleSession reports whether stderr/stdout tail text documents a
// stale-session failure for provider.
func IsStaleSession(p Provider, tail string) bool {
	for _, m := range staleSessionMarkers[p] {
		if strings.Contains(tail, m) {
			return true
		}
	}
	return false
}

// codexTransientMarkers are substrings of codex stderr/stdout that
// indicate a transient runtime failure rather than a real task failure
// (spec §7 Transient, §4.F step 5).
var codexTransientMarkers = []string{
	"connection reset",
	"connection refused",
	"proxy",
	"network is unreachable",
	"EOF",
	"502 Bad Gateway",
	"503 Service Unavailable",
	"504 Gateway Timeout",
	"temporarily unavailable",
}

// IsCodexTransient reports whether exitCode/tail documents a codex
// transient error: an empty exit-1 with no parsed events, or one of the
// known network/proxy/5xx substrings.
func IsCodexTransient(exitCode int, sawAnyEvent bool, tail string) bool {
	if exitCode == 1 && !sawAnyEvent && strings.TrimSpace(tail) == "" {
		return true
	}
	for _, m := range codexTransientMarkers {
		if strings.Contains(tail, m) {
			return true
		}
	}
	return false
}

// IsClaudeInitExitTransient reports the documented bogus claude exit
// mode: the only event seen was a system/init message, with a non-zero
// exit and no assistant result (spec §6 "Exit codes from the child").
func IsClaudeInitExitTransient(exitCode int, onlySawInit bool) bool {
	return exitCode != 0 && onlySawInit
}

// claudeQuotaMarkers documents the heavy-model quota-exhaustion substring
// match (spec §7 Transient: "model-quota-exhausted for Claude heavy
// model").
var claudeQuotaMarkers = []string{
	"quota exceeded",
	"rate_limit_error",
	"usage limit reached",
	"credit balance is too low",
}

// IsClaudeQuotaExhausted reports whether tail documents the heavy model's
// quota being exhausted, triggering the fallback-model retry.
func IsClaudeQuotaExhausted(tail string) bool {
	for _, m := range claudeQuotaMarkers {
		if strings.Contains(tail, m) {
			return true
		}
	}
	return false
}
