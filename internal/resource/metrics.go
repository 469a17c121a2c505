package resource

// Push outcomes reported to Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeNoObservers = "no_observers"
	OutcomeFailed      = "failed"
)

// Metrics receives lifecycle events. Implementations must be goroutine safe.
type Metrics interface {
	Tick(path string)
	Pushed(path, outcome string)
	Observers(path string, count int)
	Armed(path string, armed bool)
	Updated(path string, accepted bool)
}

type nopMetrics struct{}

func (nopMetrics) Tick(string) {}
func (nopMetrics) Pushed(string, string) {}
func (nopMetrics) Observers(string, int) {}
func (nopMetrics) Armed(string, bool) {}
func (nopMetrics) Updated(string, bool) {}

// NopMetrics discards all events.
var NopMetrics Metrics = nopMetrics{}
