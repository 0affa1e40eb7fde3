// Package health records per-model attempt outcomes, classifies
// failures, and derives advisory cooldowns and suggested states for
// fallback decisions and operator dashboards.
package health

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// failureRingSize bounds the global ring of recent failure events.
	failureRingSize = 200

	// failureMessageLimit caps stored failure messages.
	failureMessageLimit = 1200

	// cooldownMultiplierCap bounds the consecutive-failure multiplier.
	cooldownMultiplierCap = 8

	// degradedMinAttempts and degradedFailureRate gate the degraded
	// suggested state.
	degradedMinAttempts = 6
	degradedFailureRate = 0.5
)

// cooldownBaseSeconds is the per-kind base cooldown. Kinds absent from
// the table never cool down.
var cooldownBaseSeconds = map[FailureKind]int64{
	KindRateLimited:       60,
	KindCapacityExhausted: 120,
	KindQuotaExhausted:    3600,
	KindTimeout:           30,
	KindAuth:              600,
}

// FailureEvent is one entry in the global failure ring.
type FailureEvent struct {
	At         time.Time   `json:"at"`
	ModelID    string      `json:"model_id"`
	ProviderID string      `json:"provider_id"`
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	Signature  string      `json:"signature"`
}

type modelStats struct {
	mu sync.Mutex

	providerID    string
	providerModel string

	attempts  int64
	successes int64
	failures  int64

	failuresByKind map[FailureKind]int64

	consecutiveFailures    int64
	consecutiveRateLimited int64
	consecutiveCapacity    int64
	consecutiveQuota       int64

	attemptDuration time.Duration
	successDuration time.Duration

	lastAttemptAt time.Time
	lastSuccessAt time.Time
	lastFailureAt time.Time

	lastFailureKind    FailureKind
	lastFailureMessage string

	fallbackIn  int64
	fallbackOut int64
}

// Tracker is process-wide shared mutable state; updates lock only the
// affected model's stats, snapshots read under the same lock for a
// coherent per-model view.
type Tracker struct {
	mu     sync.Mutex
	models map[string]*modelStats

	startedAt           time.Time
	fallbackTransitions int64

	ringMu sync.Mutex
	ring   []FailureEvent

	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		models:    map[string]*modelStats{},
		startedAt: time.Now().UTC(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) stats(modelID string) *modelStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.models[modelID]
	if !ok {
		s = &modelStats{failuresByKind: map[FailureKind]int64{}}
		t.models[modelID] = s
	}
	return s
}

// RecordAttempt notes that a run of modelID is starting.
// requestedModelID is the chain's initial model; attemptIndex is the
// zero-based position in the chain.
func (t *Tracker) RecordAttempt(modelID string, requestedModelID string, providerID string, providerModel string, attemptIndex int) {
	s := t.stats(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.lastAttemptAt = t.now()
	if providerID != "" {
		s.providerID = providerID
	}
	if providerModel != "" {
		s.providerModel = providerModel
	}
	_ = requestedModelID
	_ = attemptIndex
}

// RecordSuccess completes an attempt successfully and resets every
// consecutive-failure counter.
func (t *Tracker) RecordSuccess(modelID string, duration time.Duration) {
	s := t.stats(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.attemptDuration += duration
	s.successDuration += duration
	s.consecutiveFailures = 0
	s.consecutiveRateLimited = 0
	s.consecutiveCapacity = 0
	s.consecutiveQuota = 0
	s.lastSuccessAt = t.now()
}

// RecordFailure completes an attempt with an error, classifies it, and
// returns the kind. The kind-specific consecutive counter increments
// while the other kind-specific counters reset.
func (t *Tracker) RecordFailure(modelID string, providerID string, duration time.Duration, err error) FailureKind {
	message := ""
	if err != nil {
		message = err.Error()
	}
	kind := Classify(message)
	truncated := message
	if len(truncated) > failureMessageLimit {
		truncated = truncated[:failureMessageLimit]
	}
	at := t.now()

	s := t.stats(modelID)
	s.mu.Lock()
	s.failures++
	s.attemptDuration += duration
	if s.failuresByKind == nil {
		s.failuresByKind = map[FailureKind]int64{}
	}
	s.failuresByKind[kind]++
	s.consecutiveFailures++
	switch kind {
	case KindRateLimited:
		s.consecutiveRateLimited++
		s.consecutiveCapacity = 0
		s.consecutiveQuota = 0
	case KindCapacityExhausted:
		s.consecutiveCapacity++
		s.consecutiveRateLimited = 0
		s.consecutiveQuota = 0
	case KindQuotaExhausted:
		s.consecutiveQuota++
		s.consecutiveRateLimited = 0
		s.consecutiveCapacity = 0
	default:
		s.consecutiveRateLimited = 0
		s.consecutiveCapacity = 0
		s.consecutiveQuota = 0
	}
	s.lastFailureAt = at
	s.lastFailureKind = kind
	s.lastFailureMessage = truncated
	if providerID != "" {
		s.providerID = providerID
	}
	s.mu.Unlock()

	t.pushFailure(FailureEvent{
		At:         at,
		ModelID:    modelID,
		ProviderID: providerID,
		Kind:       kind,
		Message:    truncated,
		Signature:  failureSignature(truncated),
	})
	return kind
}

// RecordFallback notes a chain transition from one model to another.
func (t *Tracker) RecordFallback(fromModelID string, toModelID string) {
	from := t.stats(fromModelID)
	from.mu.Lock()
	from.fallbackOut++
	from.mu.Unlock()

	to := t.stats(toModelID)
	to.mu.Lock()
	to.fallbackIn++
	to.mu.Unlock()

	t.mu.Lock()
	t.fallbackTransitions++
	t.mu.Unlock()
}

func (t *Tracker) pushFailure(ev FailureEvent) {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	t.ring = append(t.ring, ev)
	if len(t.ring) > failureRingSize {
		t.ring = t.ring[len(t.ring)-failureRingSize:]
	}
}

// failureSignature is a short blake3 digest of the truncated message,
// used to group recurring failures in dashboards.
func failureSignature(message string) string {
	sum := blake3.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}
