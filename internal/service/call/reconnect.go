package call

// reconnector counts full re-negotiations after a mid-call drop.
// The counter resets only on a fresh successful connection, never in
// the middle of a retry sequence.
type reconnector struct {
	attempts int
	max      int
}

func newReconnector(max int) *reconnector {
	return &reconnector{max: max}
}

// tryAttempt consumes one attempt, returning false when the bound is
// exhausted
func (r *reconnector) tryAttempt() bool {
	if r.attempts >= r.max {
		return false
	}
	r.attempts++
	return true
}

// reset is called on a successful connection
func (r *reconnector) reset() {
	r.attempts = 0
}
