package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/crewline/bootstage/pkg/schema"
)

// maxErrorHistory caps the recorded failures retained per stage.
const maxErrorHistory = 10

// retryJitter is the fraction of random spread applied to backoff delays.
const retryJitter = 0.25

// RecordedFailure is one entry in a stage's bounded error history.
type RecordedFailure struct {
	Stage      schema.StageID     `json:"stage"`
	Kind       schema.FailureKind `json:"kind"`
	Message    string             `json:"message"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// retryState tracks in-run retry accounting for a stage. Cleared on success.
type retryState struct {
	attemptCount    int
	lastAttemptTime time.Time
}

// Manager owns per-stage circuit breakers, retry state and error history.
// It decides whether a stage may execute, whether a failure warrants another
// attempt, and which recovery action a classified failure maps to. All maps
// are private to the manager; other components interact only through its
// methods.
type Manager struct {
	mu       sync.Mutex
	breakers map[schema.StageID]*breaker
	retries  map[schema.StageID]*retryState
	history  map[schema.StageID][]RecordedFailure
	config   BreakerConfig
	now      func() time.Time
	rand     func() float64
}

// NewManager creates a Manager with the given breaker configuration.
func NewManager(config BreakerConfig) *Manager {
	return &Manager{
		breakers: make(map[schema.StageID]*breaker),
		retries:  make(map[schema.StageID]*retryState),
		history:  make(map[schema.StageID][]RecordedFailure),
		config:   config,
		now:      time.Now,
		rand:     rand.Float64,
	}
}

// CanExecuteStage is the circuit breaker gate. It returns false while the
// stage's breaker is open and the cooldown has not elapsed; once the
// cooldown elapses it admits exactly one half-open probe.
func (m *Manager) CanExecuteStage(id schema.StageID) bool {
	return m.getBreaker(id).allow()
}

// RecordStageSuccess closes the stage's breaker and clears its retry state.
func (m *Manager) RecordStageSuccess(id schema.StageID) {
	m.getBreaker(id).recordSuccess()

	m.mu.Lock()
	delete(m.retries, id)
	m.mu.Unlock()
}

// RecordStageFailure appends to the stage's bounded error history, advances
// its retry accounting, and re-evaluates the breaker opening condition.
// Returns the breaker state after the failure.
func (m *Manager) RecordStageFailure(id schema.StageID, err error) BreakerState {
	now := m.now()

	m.mu.Lock()
	entry := RecordedFailure{
		Stage:      id,
		Kind:       Classify(err),
		OccurredAt: now,
	}
	if err != nil {
		entry.Message = err.Error()
	}
	hist := append(m.history[id], entry)
	if len(hist) > maxErrorHistory {
		hist = hist[len(hist)-maxErrorHistory:]
	}
	m.history[id] = hist

	rs, ok := m.retries[id]
	if !ok {
		rs = &retryState{}
		m.retries[id] = rs
	}
	rs.attemptCount++
	rs.lastAttemptTime = now
	m.mu.Unlock()

	return m.getBreaker(id).recordFailure()
}

// ShouldRetryStage reports whether another attempt is within budget: the
// attempt count must be below the policy's maximum and the backoff delay
// for the current attempt must have elapsed since the last attempt.
func (m *Manager) ShouldRetryStage(id schema.StageID, policy schema.RetryPolicy, err error) bool {
	if policy.MaxRetries <= 0 {
		return false
	}

	m.mu.Lock()
	rs, ok := m.retries[id]
	if !ok {
		m.mu.Unlock()
		return true
	}
	attempts := rs.attemptCount
	last := rs.lastAttemptTime
	m.mu.Unlock()

	if attempts >= policy.MaxRetries {
		return false
	}

	// Time gate: the backoff for the current attempt must have elapsed
	// since the last attempt.
	return m.now().Sub(last) >= baseDelay(policy, attempts)
}

// AttemptCount returns how many failed attempts have been recorded for the
// stage in this run.
func (m *Manager) AttemptCount(id schema.StageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.retries[id]; ok {
		return rs.attemptCount
	}
	return 0
}

// RetryDelay computes the backoff before the next attempt: exponential in
// the attempt number with ±25% jitter, clamped to [base, max].
func (m *Manager) RetryDelay(id schema.StageID, policy schema.RetryPolicy) time.Duration {
	m.mu.Lock()
	attempt := 1
	if rs, ok := m.retries[id]; ok && rs.attemptCount > 0 {
		attempt = rs.attemptCount
	}
	m.mu.Unlock()

	delay := baseDelay(policy, attempt)

	// ±jitter fraction.
	spread := 1 + retryJitter*(2*m.rand()-1)
	delay = time.Duration(float64(delay) * spread)

	if delay < policy.BaseDelay {
		delay = policy.BaseDelay
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// RecoveryActionFor classifies the error and chooses the recovery action
// for a stage with the given criticality.
func (m *Manager) RecoveryActionFor(err error, stageCritical bool) (schema.FailureKind, schema.RecoveryAction) {
	kind := Classify(err)
	return kind, ActionFor(kind, stageCritical)
}

// ErrorHistory returns the recorded failures for a stage, oldest first.
func (m *Manager) ErrorHistory(id schema.StageID) []RecordedFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedFailure, len(m.history[id]))
	copy(out, m.history[id])
	return out
}

// BreakerStateFor returns the current breaker state for a stage.
func (m *Manager) BreakerStateFor(id schema.StageID) BreakerState {
	return m.getBreaker(id).currentState()
}

func (m *Manager) getBreaker(id schema.StageID) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[id]
	if !ok {
		b = newBreaker(m.config, m.now)
		m.breakers[id] = b
	}
	return b
}

// baseDelay is the unjittered exponential backoff for the given attempt
// (1-based): base * multiplier^(attempt-1).
func baseDelay(policy schema.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	return time.Duration(delay)
}
