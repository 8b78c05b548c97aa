package session

// Metrics observes session activity.
type Metrics interface {
	Transition(to Phase)
	// Operation records the final outcome of an explicit operation.
	Operation(op string, err error)
	// Attempt records every provider call made under a retry policy.
	Attempt(op string, attempt int, err error)
	// StaleDiscarded counts background results dropped by the generation guard.
	StaleDiscarded(kind string)
}

type nopMetrics struct{}

func (nopMetrics) Transition(Phase)           {}
func (nopMetrics) Operation(string, error)    {}
func (nopMetrics) Attempt(string, int, error) {}
func (nopMetrics) StaleDiscarded(string)      {}
