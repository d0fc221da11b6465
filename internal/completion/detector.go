// Package completion decides when the agent has run out of work by watching
// the repository fingerprint stop changing across iterations.
package completion

// DefaultIdleThreshold is the number of consecutive unchanged observations
// that count as completion.
const DefaultIdleThreshold = 2

// Detector tracks the last observed fingerprint and how many consecutive
// observations repeated it. A nil fingerprint means "no commit available";
// two nils compare equal.
type Detector struct {
	threshold  int
	lastCommit *string
	idleCount  int
}

// New returns a fresh detector. A threshold below 1 selects the default.
func New(threshold int) *Detector {
	if threshold < 1 {
		threshold = DefaultIdleThreshold
	}
	return &Detector{threshold: threshold}
}

// Restore returns a detector resumed from persisted state.
func Restore(threshold int, lastCommit *string, idleCount int) *Detector {
	d := New(threshold)
	d.lastCommit = clone(lastCommit)
	if idleCount > 0 {
		d.idleCount = idleCount
	}
	return d
}

// CheckCompletion feeds an end-of-iteration observation and reports whether
// the idle threshold has been reached.
func (d *Detector) CheckCompletion(fingerprint *string) bool {
	if equal(d.lastCommit, fingerprint) {
		d.idleCount++
	} else {
		d.lastCommit = clone(fingerprint)
		d.idleCount = 0
	}
	return d.idleCount >= d.threshold
}

// RecordCommit notes a start-of-iteration observation. A changed fingerprint
// resets the idle count; a repeated one leaves it untouched.
func (d *Detector) RecordCommit(fingerprint *string) {
	if equal(d.lastCommit, fingerprint) {
		return
	}
	d.lastCommit = clone(fingerprint)
	d.idleCount = 0
}

// LastCommit returns the most recent fingerprint, or nil.
func (d *Detector) LastCommit() *string { return clone(d.lastCommit) }

// IdleCount returns the number of consecutive repeated observations.
func (d *Detector) IdleCount() int { return d.idleCount }

// Threshold returns the configured idle threshold.
func (d *Detector) Threshold() int { return d.threshold }

func equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clone(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
