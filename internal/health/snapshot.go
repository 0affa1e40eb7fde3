package health

import (
	"math"
	"sort"
	"time"
)

// SuggestedState is the advisory per-model state derived on snapshot.
type SuggestedState string

const (
	StateHealthy           SuggestedState = "healthy"
	StateDegraded          SuggestedState = "degraded"
	StateCooldown          SuggestedState = "cooldown"
	StateRateLimited       SuggestedState = "rate_limited"
	StateCapacityExhausted SuggestedState = "capacity_exhausted"
	StateQuotaExhausted    SuggestedState = "quota_exhausted"
	StateAuthBlocked       SuggestedState = "auth_blocked"
)

// ModelSnapshot is a coherent copy of one model's counters plus derived
// cooldown and state. Timestamps are ISO-8601 strings; durations are
// averages in milliseconds.
type ModelSnapshot struct {
	ModelID       string `json:"model_id"`
	ProviderID    string `json:"provider_id,omitempty"`
	ProviderModel string `json:"provider_model,omitempty"`

	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`

	FailuresByKind map[FailureKind]int64 `json:"failures_by_kind,omitempty"`

	ConsecutiveFailures            int64 `json:"consecutive_failures"`
	ConsecutiveRateLimitedFailures int64 `json:"consecutive_rate_limited_failures"`
	ConsecutiveCapacityFailures    int64 `json:"consecutive_capacity_failures"`
	ConsecutiveQuotaFailures       int64 `json:"consecutive_quota_failures"`

	AvgAttemptMS int64 `json:"avg_attempt_ms"`
	AvgSuccessMS int64 `json:"avg_success_ms"`

	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	LastSuccessAt string `json:"last_success_at,omitempty"`
	LastFailureAt string `json:"last_failure_at,omitempty"`

	LastFailureKind    FailureKind `json:"last_failure_kind,omitempty"`
	LastFailureMessage string      `json:"last_failure_message,omitempty"`

	FallbackInCount  int64 `json:"fallback_in_count"`
	FallbackOutCount int64 `json:"fallback_out_count"`

	CooldownSecondsRemaining int64          `json:"cooldown_seconds_remaining"`
	SuggestedState           SuggestedState `json:"suggested_state"`
}

// Snapshot is the tracker-wide view.
type Snapshot struct {
	StartedAt           string          `json:"started_at"`
	FallbackTransitions int64           `json:"fallback_transitions"`
	Models              []ModelSnapshot `json:"models"`
	RecentFailures      []FailureEvent  `json:"recent_failures,omitempty"`
}

// SnapshotModel returns the derived view of one model.
func (t *Tracker) SnapshotModel(modelID string) (ModelSnapshot, bool) {
	t.mu.Lock()
	s, ok := t.models[modelID]
	t.mu.Unlock()
	if !ok {
		return ModelSnapshot{}, false
	}
	return t.snapshotStats(modelID, s), true
}

// Snapshot returns the full tracker view, models sorted by id.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	ids := make([]string, 0, len(t.models))
	statsByID := make(map[string]*modelStats, len(t.models))
	for id, s := range t.models {
		ids = append(ids, id)
		statsByID[id] = s
	}
	startedAt := t.startedAt
	transitions := t.fallbackTransitions
	t.mu.Unlock()

	sort.Strings(ids)
	out := Snapshot{
		StartedAt:           startedAt.Format(time.RFC3339),
		FallbackTransitions: transitions,
	}
	for _, id := range ids {
		out.Models = append(out.Models, t.snapshotStats(id, statsByID[id]))
	}

	t.ringMu.Lock()
	out.RecentFailures = append([]FailureEvent{}, t.ring...)
	t.ringMu.Unlock()
	return out
}

func (t *Tracker) snapshotStats(modelID string, s *modelStats) ModelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ModelSnapshot{
		ModelID:       modelID,
		ProviderID:    s.providerID,
		ProviderModel: s.providerModel,

		Attempts:  s.attempts,
		Successes: s.successes,
		Failures:  s.failures,

		ConsecutiveFailures:            s.consecutiveFailures,
		ConsecutiveRateLimitedFailures: s.consecutiveRateLimited,
		ConsecutiveCapacityFailures:    s.consecutiveCapacity,
		ConsecutiveQuotaFailures:       s.consecutiveQuota,

		LastFailureKind:    s.lastFailureKind,
		LastFailureMessage: s.lastFailureMessage,

		FallbackInCount:  s.fallbackIn,
		FallbackOutCount: s.fallbackOut,
	}
	if len(s.failuresByKind) > 0 {
		snap.FailuresByKind = make(map[FailureKind]int64, len(s.failuresByKind))
		for k, v := range s.failuresByKind {
			snap.FailuresByKind[k] = v
		}
	}
	if s.attempts > 0 {
		completed := s.successes + s.failures
		if completed > 0 {
			snap.AvgAttemptMS = s.attemptDuration.Milliseconds() / completed
		}
	}
	if s.successes > 0 {
		snap.AvgSuccessMS = s.successDuration.Milliseconds() / s.successes
	}
	snap.LastAttemptAt = formatTime(s.lastAttemptAt)
	snap.LastSuccessAt = formatTime(s.lastSuccessAt)
	snap.LastFailureAt = formatTime(s.lastFailureAt)

	snap.CooldownSecondsRemaining = cooldownRemaining(s, t.now())
	snap.SuggestedState = suggestedState(s, snap.CooldownSecondsRemaining)
	return snap
}

// cooldownRemaining derives the advisory retry delay from the last
// failure kind and the consecutive count for that kind, capped at 8x
// the base.
func cooldownRemaining(s *modelStats, now time.Time) int64 {
	base, ok := cooldownBaseSeconds[s.lastFailureKind]
	if !ok || s.lastFailureAt.IsZero() {
		return 0
	}
	multiplier := consecutiveForKind(s, s.lastFailureKind)
	if multiplier < 1 {
		multiplier = 1
	}
	if multiplier > cooldownMultiplierCap {
		multiplier = cooldownMultiplierCap
	}
	until := s.lastFailureAt.Add(time.Duration(base*multiplier) * time.Second)
	remaining := until.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}

func consecutiveForKind(s *modelStats, kind FailureKind) int64 {
	switch kind {
	case KindRateLimited:
		return s.consecutiveRateLimited
	case KindCapacityExhausted:
		return s.consecutiveCapacity
	case KindQuotaExhausted:
		return s.consecutiveQuota
	default:
		return s.consecutiveFailures
	}
}

func suggestedState(s *modelStats, cooldownSeconds int64) SuggestedState {
	if cooldownSeconds > 0 {
		switch s.lastFailureKind {
		case KindRateLimited:
			return StateRateLimited
		case KindCapacityExhausted:
			return StateCapacityExhausted
		case KindQuotaExhausted:
			return StateQuotaExhausted
		case KindAuth:
			return StateAuthBlocked
		default:
			return StateCooldown
		}
	}
	if s.attempts >= degradedMinAttempts {
		rate := float64(s.failures) / float64(s.attempts)
		if rate >= degradedFailureRate {
			return StateDegraded
		}
	}
	return StateHealthy
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(time.RFC3339)
}
