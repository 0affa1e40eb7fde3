package health

import "strings"

// FailureKind buckets a model failure for cooldown and fallback policy.
type FailureKind string

const (
	KindRateLimited       FailureKind = "rate_limited"
	KindCapacityExhausted FailureKind = "capacity_exhausted"
	KindQuotaExhausted    FailureKind = "quota_exhausted"
	KindTimeout           FailureKind = "timeout"
	KindAuth              FailureKind = "auth"
	KindProviderExit      FailureKind = "provider_exit"
	KindConfig            FailureKind = "config"
	KindInvalidModel      FailureKind = "invalid_model"
	KindUnknown           FailureKind = "unknown"
)

// classifyRules are evaluated in order; the first matching substring
// wins. The order is load-bearing: quota markers outrank capacity,
// capacity outranks rate limiting, and "timed out" must be checked
// before the generic provider-command rule.
var classifyRules = []struct {
	kind  FailureKind
	hints []string
}{
	{KindInvalidModel, []string{"unknown model:"}},
	{KindConfig, []string{"fallback model not found", "duplicate model id", "does not expose model"}},
	{KindQuotaExhausted, []string{"insufficient_quota", "quota", "billing", "credit balance", "out of credits"}},
	{KindCapacityExhausted, []string{"resource_exhausted", "capacity", "model exhausted", "overloaded", "no available", "temporarily unavailable"}},
	{KindRateLimited, []string{"rate limit", "too many requests", "status code: 429", "http 429", "retry later"}},
	{KindTimeout, []string{"timed out", "timeout"}},
	{KindAuth, []string{"unauthorized", "forbidden", "invalid api key", "authentication", "not authenticated", "permission denied", "access denied"}},
	{KindProviderExit, []string{"provider command"}},
}

// Classify maps an error message to a failure kind by ordered substring
// rules.
func Classify(message string) FailureKind {
	lower := strings.ToLower(message)
	for _, rule := range classifyRules {
		for _, hint := range rule.hints {
			if strings.Contains(lower, hint) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
