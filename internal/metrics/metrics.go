// Package metrics is a tiny instrumentation facade.
//
// The ingestion core emits counters and histograms against the Backend
// interface only; wiring a concrete backend (Datadog) happens once at
// process startup. The default backend discards everything, so library
// code never needs nil checks.
package metrics

import "sync/atomic"

// Labels are free-form metric dimensions (e.g. {"dataset": id}).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use; the engine calls them
// from worker goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names emitted by the ingestion service. Keeping them here makes
// the operational contract greppable.
const (
	RowsTotal           = "ingest_rows_total"     // labels: dataset, kind (inserted|dropped)
	BatchesTotal        = "ingest_batches_total"  // labels: dataset
	StepsTotal          = "ingest_steps_total"    // labels: status (ok|error|cancelled)
	StepDurationSeconds = "ingest_step_duration_seconds"
	UploadBytesTotal    = "upload_bytes_total"    // labels: dataset
	FailuresTotal       = "ingest_failures_total" // labels: dataset
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}

// Nop returns a backend that discards all observations.
func Nop() Backend { return nop{} }

var current atomic.Value // Backend

func init() { current.Store(Backend(nop{})) }

// SetBackend installs the process-wide backend. Call once at startup,
// before any metric is emitted.
func SetBackend(b Backend) {
	if b == nil {
		b = nop{}
	}
	current.Store(b)
}

// Default returns the installed backend.
func Default() Backend { return current.Load().(Backend) }

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	Default().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	Default().ObserveHistogram(name, value, labels)
}
