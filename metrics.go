package osbackfill

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// metrics accumulates per-outcome counters. Counters are atomic because up to
// a full window of tasks settles concurrently with the reader goroutine.
type metrics struct {
	processed        int64
	updated          int64
	failed           int64
	skippedInvalid   int64
	skippedNoOSMatch int64
	skippedDuplicate int64

	progressEvery int64
	startedAt     time.Time
}

func newMetrics(progressEvery int, startedAt time.Time) *metrics {
	return &metrics{progressEvery: int64(progressEvery), startedAt: startedAt}
}

// fold records one settled outcome and emits a progress event at the
// configured cadence.
func (m *metrics) fold(o Outcome) {
	switch o {
	case OutcomeUpdated:
		atomic.AddInt64(&m.updated, 1)
	case OutcomeSkippedInvalid:
		atomic.AddInt64(&m.skippedInvalid, 1)
	case OutcomeSkippedNoOSMatch:
		atomic.AddInt64(&m.skippedNoOSMatch, 1)
	case OutcomeSkippedDuplicate:
		atomic.AddInt64(&m.skippedDuplicate, 1)
	case OutcomeFailed:
		atomic.AddInt64(&m.failed, 1)
	}

	total := atomic.AddInt64(&m.processed, 1)
	if m.progressEvery > 0 && total%m.progressEvery == 0 {
		elapsed := time.Since(m.startedAt)
		rate := float64(0)
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(total) / secs
		}
		log.Info().
			Int64("processed", total).
			Int64("updated", atomic.LoadInt64(&m.updated)).
			Int64("failed", atomic.LoadInt64(&m.failed)).
			Dur("elapsed", elapsed).
			Float64("rows_per_sec", rate).
			Msg("backfill progress")
	}
}

func (m *metrics) summary(distinctDevices int, elapsed time.Duration) RunSummary {
	return RunSummary{
		Processed:        atomic.LoadInt64(&m.processed),
		Updated:          atomic.LoadInt64(&m.updated),
		Failed:           atomic.LoadInt64(&m.failed),
		SkippedInvalid:   atomic.LoadInt64(&m.skippedInvalid),
		SkippedNoOSMatch: atomic.LoadInt64(&m.skippedNoOSMatch),
		SkippedDuplicate: atomic.LoadInt64(&m.skippedDuplicate),
		DistinctDevices:  int64(distinctDevices),
		Elapsed:          elapsed,
	}
}
