package resilience

import (
	"sync"
	"time"
)

// RestartPolicy bounds automatic restarts of a long-lived upstream session
type RestartPolicy struct {
	MaxFailures int           // Consecutive failures tolerated within Window
	Window      time.Duration // Failures older than this are forgotten
	Backoff     time.Duration // Delay before each restart attempt
	// Sessions that end cleanly sooner than this count as failures
	MinHealthy time.Duration
}

// DefaultRestartPolicy returns the default recognizer restart policy
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxFailures: 5,
		Window:      10 * time.Second,
		Backoff:     300 * time.Millisecond,
		MinHealthy:  time.Second,
	}
}

// FailureTracker counts recent consecutive failures against a RestartPolicy
type FailureTracker struct {
	policy RestartPolicy
	now    func() time.Time

	mu       sync.Mutex
	failures []time.Time
}

// NewFailureTracker creates a tracker. A nil now uses time.Now.
func NewFailureTracker(policy RestartPolicy, now func() time.Time) *FailureTracker {
	if policy.MaxFailures <= 0 {
		policy.MaxFailures = 1
	}
	if now == nil {
		now = time.Now
	}
	return &FailureTracker{policy: policy, now: now}
}

// RecordFailure notes a failure and reports whether the policy is exhausted
func (t *FailureTracker) RecordFailure() (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.policy.Window > 0 {
		cutoff := now.Add(-t.policy.Window)
		kept := t.failures[:0]
		for _, at := range t.failures {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		t.failures = kept
	}
	t.failures = append(t.failures, now)
	return len(t.failures) >= t.policy.MaxFailures
}

// RecordEnd notes a session that ended without error after lifetime. A
// session shorter than MinHealthy is a failure; it reports whether the policy
// is exhausted.
func (t *FailureTracker) RecordEnd(lifetime time.Duration) (exhausted bool) {
	if lifetime < t.policy.MinHealthy {
		return t.RecordFailure()
	}
	t.RecordSuccess()
	return false
}

// RecordSuccess clears the failure history after a healthy session
func (t *FailureTracker) RecordSuccess() {
	t.Reset()
}

// Reset forgets all recorded failures
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	t.failures = nil
	t.mu.Unlock()
}

// Failures returns the number of failures currently inside the window
func (t *FailureTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures)
}

// Backoff returns the policy's restart delay
func (t *FailureTracker) Backoff() time.Duration {
	return t.policy.Backoff
}
