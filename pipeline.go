package osbackfill

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RowSource yields login-event rows in file order. Next returns io.EOF when
// the stream is exhausted; any other error is fatal to the run.
type RowSource interface {
	Next(ctx context.Context) (Row, error)
}

// DeviceStore applies one partial update to a device record.
type DeviceStore interface {
	UpdateDeviceOS(ctx context.Context, key DeviceKey, os OSTag) error
}

// OutcomeSink receives one record per settled row. Implementations must be
// safe for concurrent use; sink failures never affect the pipeline.
type OutcomeSink interface {
	Record(ctx context.Context, rec OutcomeRecord) error
}

// Defaults applied by NewPipeline when the corresponding Config field is unset.
const (
	DefaultWindowSize    = 20
	DefaultProgressEvery = 500
)

// Config controls Pipeline behavior.
type Config struct {
	// WindowSize bounds the number of concurrently outstanding store
	// updates. The stream is suspended while a full window settles.
	WindowSize int
	// ProgressEvery is the progress-log cadence in processed rows.
	ProgressEvery int
	Source        RowSource
	Store         DeviceStore
	// Audit receives every settled outcome when non-nil.
	Audit OutcomeSink
	// RateLimit paces store updates when non-nil.
	RateLimit *rate.Limiter
	// Clock is a test hook; defaults to time.Now.
	Clock func() time.Time
}

// Pipeline drives one backfill run: stream, validate, classify, dedup,
// dispatch in bounded windows, and aggregate outcomes.
type Pipeline struct {
	cfg   Config
	dedup *dedupTracker
	stats *metrics
}

// NewPipeline validates cfg and applies defaults.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("row source cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("device store cannot be nil")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pipeline{cfg: cfg, dedup: newDedupTracker()}, nil
}

// updateTask is one in-flight store update. done is closed once the task has
// settled; err carries the failure, if any.
type updateTask struct {
	rec  ClassifiedRecord
	err  error
	done chan struct{}
}

// Run consumes the source until EOF and returns the final summary. A source
// read error aborts the run before further dispatch; per-record update
// failures are folded into the summary and never abort the run.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	start := p.cfg.Clock()
	p.stats = newMetrics(p.cfg.ProgressEvery, start)

	log.Info().
		Int("window_size", p.cfg.WindowSize).
		Msg("backfill run started")

	window := make([]*updateTask, 0, p.cfg.WindowSize)
	for {
		row, err := p.cfg.Source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Settle whatever is already in flight; admitted work is
			// never abandoned mid-update.
			p.settle(ctx, window)
			return RunSummary{}, errors.Wrap(err, "read login event row")
		}

		task := p.admit(ctx, row)
		if task == nil {
			continue
		}
		window = append(window, task)
		if len(window) >= p.cfg.WindowSize {
			p.settle(ctx, window)
			window = window[:0]
		}
	}
	// Flush the partial final window.
	p.settle(ctx, window)

	summary := p.stats.summary(p.dedup.Count(), p.cfg.Clock().Sub(start))
	return summary, nil
}

// admit runs the pre-dispatch gates for one row. Ineligible rows settle
// immediately with a skip outcome; eligible rows start their update task at
// once and return it for window accounting.
func (p *Pipeline) admit(ctx context.Context, row Row) *updateTask {
	if !ValidRow(row) {
		p.recordOutcome(ctx, OutcomeRecord{Outcome: OutcomeSkippedInvalid, At: p.cfg.Clock()})
		return nil
	}

	key := DeviceKey{
		PrimaryID: strings.TrimSpace(row[ColPrimaryID]),
		DeviceID:  strings.TrimSpace(row[ColDeviceID]),
	}

	osTag, ok := ClassifyOS(row[ColSourceApp])
	if !ok {
		p.recordOutcome(ctx, OutcomeRecord{Key: key, Outcome: OutcomeSkippedNoOSMatch, At: p.cfg.Clock()})
		return nil
	}

	if !p.dedup.Admit(key.DeviceID) {
		p.recordOutcome(ctx, OutcomeRecord{Key: key, OS: osTag, Outcome: OutcomeSkippedDuplicate, At: p.cfg.Clock()})
		return nil
	}

	return p.startTask(ctx, ClassifiedRecord{Key: key, OS: osTag})
}

// startTask launches the store update immediately. The task settles on its
// own; the window wait in settle provides the only synchronization.
func (p *Pipeline) startTask(ctx context.Context, rec ClassifiedRecord) *updateTask {
	task := &updateTask{rec: rec, done: make(chan struct{})}
	go func() {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				// The panic may have come from the logging path itself,
				// so report it on stderr directly.
				fmt.Fprintf(os.Stderr, "WARN: device update panicked: %v\n%s\n", r, debug.Stack())
				task.err = errors.Errorf("device update panicked: %v", r)
			}
		}()
		if p.cfg.RateLimit != nil {
			if err := p.cfg.RateLimit.Wait(ctx); err != nil {
				task.err = errors.Wrap(err, "rate limit wait")
				return
			}
		}
		task.err = p.cfg.Store.UpdateDeviceOS(ctx, rec.Key, rec.OS)
	}()
	return task
}

// settle waits for every task in the window to reach a terminal state, then
// folds the results. One task's failure never cancels its siblings or the
// windows that follow.
func (p *Pipeline) settle(ctx context.Context, window []*updateTask) {
	if len(window) == 0 {
		return
	}
	for _, task := range window {
		<-task.done
	}
	for _, task := range window {
		outcome := OutcomeUpdated
		if task.err != nil {
			outcome = OutcomeFailed
			log.Error().
				Err(task.err).
				Str("suid", task.rec.Key.PrimaryID).
				Str("zid", task.rec.Key.DeviceID).
				Msg("device update failed")
		}
		p.recordOutcome(ctx, OutcomeRecord{
			Key:     task.rec.Key,
			OS:      task.rec.OS,
			Outcome: outcome,
			Err:     task.err,
			At:      p.cfg.Clock(),
		})
	}
}

func (p *Pipeline) recordOutcome(ctx context.Context, rec OutcomeRecord) {
	p.stats.fold(rec.Outcome)
	if p.cfg.Audit == nil {
		return
	}
	if err := p.cfg.Audit.Record(ctx, rec); err != nil {
		log.Warn().
			Err(err).
			Str("zid", rec.Key.DeviceID).
			Str("outcome", rec.Outcome.String()).
			Msg("audit sink write failed")
	}
}
