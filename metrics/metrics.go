// Package metrics is the instrumentation boundary for the settlement core.
package metrics

import "time"

// Recorder counts settlement events and observes operation latency, labeled
// by payment rail.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
