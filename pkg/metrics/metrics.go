package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type noop struct{}

func (noop) IncCounter(string, map[string]string, float64)       {}
func (noop) SetGauge(string, map[string]string, float64)         {}
func (noop) ObserveHistogram(string, map[string]string, float64) {}

// Noop returns a Collector that discards everything, for callers that
// don't wire up real metrics.
func Noop() Collector {
	return noop{}
}
