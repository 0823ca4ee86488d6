// Package metrics instruments the storage engine with opencensus
// measures.
//
// Components embed Enable and guard every recording site with
// MetricsEnabled(), so a disabled engine pays a single branch. Views
// aggregate by operation tag; exporter registration is left to the
// embedding process.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// KeyOperation tags measurements with the engine operation that
	// produced them
	KeyOperation = tag.MustNewKey("operation")

	registered []*view.View
	mu         sync.Mutex
)

// Views returns every view declared so far, for exporter wiring
func Views() []*view.View {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*view.View, len(registered))
	copy(out, registered)
	return out
}

// Enable is an embeddable toggle for metrics collection
type Enable struct {
	metricsEnabled bool
}

// MetricsEnabled tells whether metrics are enabled or not
func (e Enable) MetricsEnabled() bool {
	return e.metricsEnabled
}

// EnableMetrics toggles metrics collection
func (e *Enable) EnableMetrics(enabled bool) {
	e.metricsEnabled = enabled
}

// NewInt64 declares an int64 counter measure and registers count and
// sum views for it.
func NewInt64(name, description, unit string) *stats.Int64Measure {
	m := stats.Int64(name, description, unit)
	register(
		&view.View{
			Name:        name + "/count",
			Measure:     m,
			Description: description,
			TagKeys:     []tag.Key{KeyOperation},
			Aggregation: view.Count(),
		},
		&view.View{
			Name:        name + "/sum",
			Measure:     m,
			Description: description,
			TagKeys:     []tag.Key{KeyOperation},
			Aggregation: view.Sum(),
		},
	)
	return m
}

// NewFloat64 declares a float64 distribution measure (e.g. timings)
func NewFloat64(name, description, unit string) *stats.Float64Measure {
	m := stats.Float64(name, description, unit)
	register(&view.View{
		Name:        name,
		Measure:     m,
		Description: description,
		TagKeys:     []tag.Key{KeyOperation},
		Aggregation: view.Distribution(1, 5, 10, 50, 100, 500, 1000, 5000),
	})
	return m
}

func register(views ...*view.View) {
	mu.Lock()
	defer mu.Unlock()
	// view registration failures (duplicate names) are programming
	// errors surfaced at init time
	if err := view.Register(views...); err != nil {
		panic(err)
	}
	registered = append(registered, views...)
}

// Inc bumps a counter by one
func Inc(m *stats.Int64Measure, operation string) {
	record(m.M(1), operation)
}

// Int64 records an arbitrary int64 measurement
func Int64(m *stats.Int64Measure, value int64, operation string) {
	record(m.M(value), operation)
}

// SinceMS records the elapsed time since t0 in milliseconds
func SinceMS(m *stats.Float64Measure, t0 time.Time, operation string) {
	record(m.M(float64(time.Since(t0).Nanoseconds())/1e6), operation)
}

func record(meas stats.Measurement, operation string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyOperation, operation)},
		meas,
	)
}
