package osbackfill

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type sliceSource struct {
	rows  []Row
	idx   int
	errAt int
	err   error
}

func (s *sliceSource) Next(ctx context.Context) (Row, error) {
	if s.err != nil && s.idx == s.errAt {
		return nil, s.err
	}
	if s.idx >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.idx]
	s.idx++
	return row, nil
}

type stubStore struct {
	mu       sync.Mutex
	calls    []DeviceKey
	oses     map[string]OSTag
	failFor  map[string]error
	panicFor map[string]struct{}
	delay    time.Duration

	inFlight    int32
	maxInFlight int32
}

func (s *stubStore) UpdateDeviceOS(ctx context.Context, key DeviceKey, os OSTag) error {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.calls = append(s.calls, key)
	if s.oses == nil {
		s.oses = make(map[string]OSTag)
	}
	s.oses[key.DeviceID] = os
	s.mu.Unlock()

	if _, ok := s.panicFor[key.DeviceID]; ok {
		panic("induced store panic")
	}
	if err, ok := s.failFor[key.DeviceID]; ok {
		return err
	}
	return nil
}

func (s *stubStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type collectSink struct {
	mu   sync.Mutex
	recs []OutcomeRecord
	err  error
}

func (s *collectSink) Record(ctx context.Context, rec OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func loginRow(suid, zid, sourceApp string) Row {
	return Row{ColPrimaryID: suid, ColDeviceID: zid, ColSourceApp: sourceApp}
}

func TestNewPipelineValidation(t *testing.T) {
	if _, err := NewPipeline(Config{Store: &stubStore{}}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := NewPipeline(Config{Source: &sliceSource{}}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	pipe, err := NewPipeline(Config{Source: &sliceSource{}, Store: &stubStore{}})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if pipe.cfg.WindowSize != DefaultWindowSize {
		t.Fatalf("expected default window %d, got %d", DefaultWindowSize, pipe.cfg.WindowSize)
	}
	if pipe.cfg.ProgressEvery != DefaultProgressEvery {
		t.Fatalf("expected default progress cadence %d, got %d", DefaultProgressEvery, pipe.cfg.ProgressEvery)
	}
}

func TestPipelineMixedScenario(t *testing.T) {
	rows := []Row{
		loginRow("u-1", "d-1", "macOS login agent"),
		loginRow("u-2", "d-2", "mac desktop"),
		loginRow("u-3", "d-3", "MacBook"),
		loginRow("u-4", "d-4", "Windows 11"),
		loginRow("u-5", "d-5", "windows login"),
		loginRow("u-6", "d-6", "linux kiosk"),
		loginRow("", "d-7", "mac"),
		loginRow("u-1", "d-1", "mac again"),
	}
	store := &stubStore{}
	sink := &collectSink{}
	pipe, err := NewPipeline(Config{WindowSize: 3, Source: &sliceSource{rows: rows}, Store: store, Audit: sink})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Processed != 8 {
		t.Fatalf("expected 8 processed, got %d", summary.Processed)
	}
	if summary.Updated != 5 {
		t.Fatalf("expected 5 updated, got %d", summary.Updated)
	}
	if summary.SkippedInvalid != 1 {
		t.Fatalf("expected 1 invalid, got %d", summary.SkippedInvalid)
	}
	if summary.SkippedNoOSMatch != 1 {
		t.Fatalf("expected 1 no-match, got %d", summary.SkippedNoOSMatch)
	}
	if summary.SkippedDuplicate != 1 {
		t.Fatalf("expected 1 duplicate, got %d", summary.SkippedDuplicate)
	}
	if summary.Failed != 0 {
		t.Fatalf("expected 0 failed, got %d", summary.Failed)
	}
	if summary.DistinctDevices != 5 {
		t.Fatalf("expected 5 distinct devices, got %d", summary.DistinctDevices)
	}
	if got := store.callCount(); got != 5 {
		t.Fatalf("expected 5 store calls, got %d", got)
	}
	if got := store.oses["d-4"]; got != OSWindows {
		t.Fatalf("expected d-4 classified windows, got %s", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 8 {
		t.Fatalf("expected 8 audit records, got %d", len(sink.recs))
	}
}

func TestPipelineDuplicateRejectedEvenAfterFailure(t *testing.T) {
	rows := []Row{
		loginRow("u-1", "d-1", "mac"),
		loginRow("u-1", "d-1", "mac"),
	}
	store := &stubStore{failFor: map[string]error{"d-1": errors.New("throttled")}}
	// Window of one forces the first update to settle before the duplicate
	// row is read.
	pipe, err := NewPipeline(Config{WindowSize: 1, Source: &sliceSource{rows: rows}, Store: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", summary.Failed)
	}
	if summary.SkippedDuplicate != 1 {
		t.Fatalf("expected duplicate rejection despite first failure, got %d", summary.SkippedDuplicate)
	}
	if got := store.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 store call, got %d", got)
	}
}

func TestPipelineWindowBound(t *testing.T) {
	const window = 3
	rows := make([]Row, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, loginRow(fmt.Sprintf("u-%d", i), fmt.Sprintf("d-%d", i), "mac"))
	}
	store := &stubStore{delay: 10 * time.Millisecond}
	pipe, err := NewPipeline(Config{WindowSize: window, Source: &sliceSource{rows: rows}, Store: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Updated != 10 {
		t.Fatalf("expected 10 updated, got %d", summary.Updated)
	}
	if max := atomic.LoadInt32(&store.maxInFlight); max > window {
		t.Fatalf("window bound violated: %d tasks in flight, window %d", max, window)
	}
}

func TestPipelinePartialFailureIsolation(t *testing.T) {
	rows := []Row{
		loginRow("u-1", "d-1", "mac"),
		loginRow("u-2", "d-2", "mac"),
		loginRow("u-3", "d-3", "windows"),
		loginRow("u-4", "d-4", "windows"),
		loginRow("u-5", "d-5", "mac"),
	}
	store := &stubStore{failFor: map[string]error{"d-3": errors.New("simulated store error")}}
	pipe, err := NewPipeline(Config{WindowSize: 5, Source: &sliceSource{rows: rows}, Store: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run should complete despite task failure: %v", err)
	}
	if summary.Updated != 4 {
		t.Fatalf("expected 4 updated, got %d", summary.Updated)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", summary.Failed)
	}
	if got := store.callCount(); got != 5 {
		t.Fatalf("failure suppressed sibling tasks: %d store calls", got)
	}
}

func TestPipelinePanicBecomesFailedOutcome(t *testing.T) {
	rows := []Row{
		loginRow("u-1", "d-1", "mac"),
		loginRow("u-2", "d-2", "mac"),
	}
	store := &stubStore{panicFor: map[string]struct{}{"d-1": {}}}
	pipe, err := NewPipeline(Config{WindowSize: 2, Source: &sliceSource{rows: rows}, Store: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run should survive a task panic: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected panicking task counted failed, got %d", summary.Failed)
	}
	if summary.Updated != 1 {
		t.Fatalf("expected sibling task updated, got %d", summary.Updated)
	}
}

func TestPipelineSourceErrorAbortsRun(t *testing.T) {
	rows := []Row{
		loginRow("u-1", "d-1", "mac"),
		loginRow("u-2", "d-2", "mac"),
	}
	src := &sliceSource{rows: rows, errAt: 1, err: errors.New("corrupt stream")}
	store := &stubStore{}
	pipe, err := NewPipeline(Config{WindowSize: 4, Source: src, Store: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := pipe.Run(context.Background()); err == nil {
		t.Fatalf("expected run to abort on source error")
	}
	if got := store.callCount(); got > 1 {
		t.Fatalf("expected at most the already-admitted update, got %d calls", got)
	}
}

func TestPipelineAuditFailureDoesNotAbort(t *testing.T) {
	rows := []Row{loginRow("u-1", "d-1", "mac")}
	store := &stubStore{}
	sink := &collectSink{err: errors.New("disk full")}
	pipe, err := NewPipeline(Config{Source: &sliceSource{rows: rows}, Store: store, Audit: sink})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Updated != 1 {
		t.Fatalf("expected update despite sink failure, got %d", summary.Updated)
	}
}
