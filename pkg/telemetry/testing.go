// ABOUTME: In-memory telemetry recorder for tests that need to see which metrics a component emitted
// ABOUTME: Counts counter totals, histogram samples and span names; spans themselves are no-ops

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recorder is a Telemetry that keeps what was recorded in memory
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
	spans      map[string]int
	shutdown   bool
}

var _ Telemetry = (*Recorder)(nil)

// NewForTesting returns an empty Recorder
func NewForTesting() *Recorder {
	return &Recorder{
		counters:   make(map[string]int64),
		histograms: make(map[string][]float64),
		spans:      make(map[string]int),
	}
}

// RecordHistogram keeps the sample under name
func (r *Recorder) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = append(r.histograms[name], value)
}

// RecordCounter adds value to the total under name
func (r *Recorder) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

// StartSpan counts the span and returns a no-op span
func (r *Recorder) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans[name]++
	r.mu.Unlock()
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown marks the recorder as shut down
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

// Counter returns the total recorded under name
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Samples returns a copy of the histogram samples recorded under name
func (r *Recorder) Samples(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.histograms[name]...)
}

// Spans returns how many spans named name were started
func (r *Recorder) Spans(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spans[name]
}

// IsShutdown reports whether Shutdown was called
func (r *Recorder) IsShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}
