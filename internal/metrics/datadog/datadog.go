// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Flushing model: observations are buffered in memory under a mutex and
// submitted on a ticker (default once per minute), plus one final flush on
// Close. Long-running ingest workers get a real time series; short-lived
// CLI invocations still get their tail flush.
//
// If the process dies with SIGKILL/OOM, Close() never runs and the last
// window is lost; no backend can fix that.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"riskingest/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "riskingest".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// <= 0 means 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter wraps the one SDK call we make, so tests can stub the
// network away instead of exercising the concrete *datadogV2.MetricsApi.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	// rowCounts is keyed dataset\x00kind; stepCounts by step status.
	rowCounts   map[string]float64
	batchCounts map[string]float64
	stepCounts  map[string]float64
	uploadBytes map[string]float64
	failCounts  map[string]float64
	stepDur     map[string][]float64
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "riskingest".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "riskingest"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,

		rowCounts:   make(map[string]float64),
		batchCounts: make(map[string]float64),
		stepCounts:  make(map[string]float64),
		uploadBytes: make(map[string]float64),
		failCounts:  make(map[string]float64),
		stepDur:     make(map[string][]float64),
	}
	go b.loop()
	return b, nil
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
// Close once; a second call panics on the closed channel, matching usual
// process-lifetime semantics.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RowsTotal:
		b.rowCounts[joinKey(labels["dataset"], labels["kind"])] += delta
	case metrics.BatchesTotal:
		b.batchCounts[labels["dataset"]] += delta
	case metrics.StepsTotal:
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.stepCounts[status] += delta
	case metrics.UploadBytesTotal:
		b.uploadBytes[labels["dataset"]] += delta
	case metrics.FailuresTotal:
		b.failCounts[labels["dataset"]] += delta
	default:
		// Ignore unknown metrics.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepDurationSeconds:
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.stepDur[status] = append(b.stepDur[status], value)
	default:
		// Ignore unknown histograms.
	}
}

// snapshot is the buffered state handed from the collection window to the
// payload builder. Flush resets buffers under the lock and submits
// out-of-lock.
type snapshot struct {
	rowCounts   map[string]float64
	batchCounts map[string]float64
	stepCounts  map[string]float64
	uploadBytes map[string]float64
	failCounts  map[string]float64
	stepDur     map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		rowCounts:   b.rowCounts,
		batchCounts: b.batchCounts,
		stepCounts:  b.stepCounts,
		uploadBytes: b.uploadBytes,
		failCounts:  b.failCounts,
		stepDur:     b.stepDur,
	}
	b.rowCounts = make(map[string]float64)
	b.batchCounts = make(map[string]float64)
	b.stepCounts = make(map[string]float64)
	b.uploadBytes = make(map[string]float64)
	b.failCounts = make(map[string]float64)
	b.stepDur = make(map[string][]float64)
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.rowCounts) == 0 &&
		len(s.batchCounts) == 0 &&
		len(s.stepCounts) == 0 &&
		len(s.uploadBytes) == 0 &&
		len(s.failCounts) == 0 &&
		len(s.stepDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
// Buffers reset even when submission fails; ingestion throughput beats
// at-least-once metric delivery here.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure (no locks, clocks, or network), which keeps the
// naming/tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.rowCounts)+len(s.stepCounts)+16)

	for k, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		dataset, kind := splitKey(k)
		tags := withTags(b.baseTags, "dataset:"+dataset, "kind:"+kind)
		series = append(series, countSeries("riskingest.rows.total", v, tags, nowUnix))
	}
	for dataset, v := range s.batchCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "dataset:"+dataset)
		series = append(series, countSeries("riskingest.batches.total", v, tags, nowUnix))
	}
	for status, v := range s.stepCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, countSeries("riskingest.steps.total", v, tags, nowUnix))
	}
	for dataset, v := range s.uploadBytes {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "dataset:"+dataset)
		series = append(series, countSeries("riskingest.upload.bytes", v, tags, nowUnix))
	}
	for dataset, v := range s.failCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "dataset:"+dataset)
		series = append(series, countSeries("riskingest.failures.total", v, tags, nowUnix))
	}
	for status, samples := range s.stepDur {
		addPercentiles(&series, withTags(b.baseTags, "status:"+status), "riskingest.step.duration_seconds", samples, nowUnix)
	}

	return series
}

// addPercentiles appends the fixed percentile gauges for one sample set.
// Sorts a copy; empty input appends nothing.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func joinKey(a, b string) string { return a + "\x00" + b }

func splitKey(k string) (string, string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:ingest".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
