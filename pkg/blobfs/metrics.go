package blobfs

import (
	"github.com/blobcask/blobcask/pkg/metrics"
	"go.opencensus.io/stats"
)

// M groups the measures recorded by the engine. Measures are
// registered once per process; engines share them and tag records with
// the operation name.
type M struct {
	Ops      *stats.Int64Measure
	Bytes    *stats.Int64Measure
	Failures *stats.Int64Measure
	Duration *stats.Float64Measure
}

var engineMetrics = &M{
	Ops:      metrics.NewInt64("blobfs/ops", "count of engine operations", "1"),
	Bytes:    metrics.NewInt64("blobfs/bytes", "bytes moved through blob reads and writes", "By"),
	Failures: metrics.NewInt64("blobfs/failures", "count of failed engine operations", "1"),
	Duration: metrics.NewFloat64("blobfs/duration", "duration of engine operations", "ms"),
}
