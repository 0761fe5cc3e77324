package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"riskingest/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName: "test",
		now:     func() time.Time { return time.Unix(1700000000, 0) },
		// A ticker that never fires in test time; tests drive Flush explicitly.
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFlush_SubmitsBufferedCountersAndResets(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.RowsTotal, 2000, metrics.Labels{"dataset": "ds1", "kind": "inserted"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"dataset": "ds1", "kind": "dropped"})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"dataset": "ds1"})
	b.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 1.25, metrics.Labels{"status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	payload, ok := sub.last()
	if !ok {
		t.Fatal("nothing submitted")
	}

	byMetric := map[string]datadogV2.MetricSeries{}
	for _, s := range payload.Series {
		byMetric[s.Metric] = s
	}
	rows, ok := byMetric["riskingest.rows.total"]
	if !ok {
		t.Fatalf("rows series missing; got %v", keysOf(byMetric))
	}
	if len(rows.Points) != 1 || *rows.Points[0].Timestamp != 1700000000 {
		t.Fatalf("unexpected point: %+v", rows.Points)
	}
	if _, ok := byMetric["riskingest.step.duration_seconds.p50"]; !ok {
		t.Fatal("duration percentiles missing")
	}

	// Buffers reset: a second flush has nothing to submit.
	before := sub.count()
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush empty: %v", err)
	}
	if sub.count() != before {
		t.Fatal("empty flush still submitted a payload")
	}
}

func TestFlush_PropagatesSubmitError(t *testing.T) {
	boom := errors.New("intake down")
	sub := &fakeSubmitter{err: boom}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "error"})
	if err := b.Flush(); !errors.Is(err, boom) {
		t.Fatalf("expected submit error, got %v", err)
	}
}

func TestIncCounter_IgnoresNonPositiveAndUnknown(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.RowsTotal, 0, metrics.Labels{"dataset": "ds1", "kind": "inserted"})
	b.IncCounter(metrics.RowsTotal, -5, metrics.Labels{"dataset": "ds1", "kind": "inserted"})
	b.IncCounter("someone_elses_metric", 10, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := sub.last(); ok {
		t.Fatal("expected empty flush")
	}
}

func TestClose_FinalFlush(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.BatchesTotal, 4, metrics.Labels{"dataset": "ds1"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := sub.last(); !ok {
		t.Fatal("Close did not flush buffered metrics")
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	got := ParseTagsCSV(" env:prod , service:ingest ,, ")
	want := []string{"env:prod", "service:ingest"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseTagsCSV = %v, want %v", got, want)
	}
	if ParseTagsCSV("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentileNearestRank(s, 0.5); got != 6 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentileNearestRank(s, 0); got != 1 {
		t.Fatalf("p0 = %v", got)
	}
	if got := percentileNearestRank(s, 1); got != 10 {
		t.Fatalf("p100 = %v", got)
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty = %v", got)
	}
}

func keysOf(m map[string]datadogV2.MetricSeries) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
