package segvol

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Metrics instrumentation for the segment pool and the read/write paths.
// The teacher (Gibson-Gichuru/prolog) declares go.opencensus.io in go.mod
// but never imports it; segvol gives it a concrete home here instead of
// dropping it.
var (
	mBytesWritten = stats.Int64(
		"segvol/bytes_written",
		"bytes persisted by Volume.PWrite",
		stats.UnitBytes,
	)
	mBytesRead = stats.Int64(
		"segvol/bytes_read",
		"bytes returned by Volume.PRead",
		stats.UnitBytes,
	)
	mSegmentOpens = stats.Int64(
		"segvol/segment_opens",
		"segment files opened into the pool",
		stats.UnitDimensionless,
	)
	mSegmentEvictions = stats.Int64(
		"segvol/segment_evictions",
		"segment handles evicted from the pool",
		stats.UnitDimensionless,
	)
	mPoolSize = stats.Int64(
		"segvol/pool_size",
		"segments currently resident in the pool",
		stats.UnitDimensionless,
	)
)

func init() {
	views := []*view.View{
		{
			Name:        "segvol/bytes_written_total",
			Measure:     mBytesWritten,
			Description: "total bytes written through Volume.PWrite",
			Aggregation: view.Sum(),
		},
		{
			Name:        "segvol/bytes_read_total",
			Measure:     mBytesRead,
			Description: "total bytes read through Volume.PRead",
			Aggregation: view.Sum(),
		},
		{
			Name:        "segvol/segment_opens_total",
			Measure:     mSegmentOpens,
			Description: "total segment files opened",
			Aggregation: view.Count(),
		},
		{
			Name:        "segvol/segment_evictions_total",
			Measure:     mSegmentEvictions,
			Description: "total segment handles evicted from the pool",
			Aggregation: view.Count(),
		},
		{
			Name:        "segvol/pool_size_last",
			Measure:     mPoolSize,
			Description: "most recent pool occupancy",
			Aggregation: view.LastValue(),
		},
	}
	// Registration failure here would mean a duplicate view name within
	// the process; nothing in segvol registers these names elsewhere.
	_ = view.Register(views...)
}

func recordBytesWritten(n int) {
	stats.Record(context.Background(), mBytesWritten.M(int64(n)))
}

func recordBytesRead(n int) {
	stats.Record(context.Background(), mBytesRead.M(int64(n)))
}

func recordSegmentOpen() {
	stats.Record(context.Background(), mSegmentOpens.M(1))
}

func recordSegmentEviction() {
	stats.Record(context.Background(), mSegmentEvictions.M(1))
}

func recordPoolSize(n int) {
	stats.Record(context.Background(), mPoolSize.M(int64(n)))
}
