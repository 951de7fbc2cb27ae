package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeService records calls and fails on demand.
type fakeService struct {
	calls      []string
	batches    []batchCall
	failNext   int
	failWith   error
	createdGid int64
}

type batchCall struct {
	worksheet string
	mode      ValueInputMode
	writes    []RangeValues
}

func (f *fakeService) fail() error {
	if f.failNext > 0 {
		f.failNext--
		return f.failWith
	}
	return nil
}

func (f *fakeService) CreateSpreadsheet(_ context.Context, title string) (Spreadsheet, error) {
	f.calls = append(f.calls, "create:"+title)
	if err := f.fail(); err != nil {
		return Spreadsheet{}, err
	}
	return Spreadsheet{ID: "ss-1", URL: "https://sheets.example/ss-1"}, nil
}

func (f *fakeService) AddWorksheet(_ context.Context, _, title string, _, _ int) (int64, error) {
	f.calls = append(f.calls, "addws:"+title)
	if err := f.fail(); err != nil {
		return 0, err
	}
	f.createdGid++
	return f.createdGid, nil
}

func (f *fakeService) SetWorksheetTitle(_ context.Context, _, worksheet, title string) error {
	f.calls = append(f.calls, "rename:"+worksheet+":"+title)
	return f.fail()
}

func (f *fakeService) BatchUpdateRanges(_ context.Context, _, worksheet string, mode ValueInputMode, writes []RangeValues) error {
	f.calls = append(f.calls, fmt.Sprintf("batch:%s:%d", worksheet, len(writes)))
	if err := f.fail(); err != nil {
		return err
	}
	f.batches = append(f.batches, batchCall{worksheet: worksheet, mode: mode, writes: writes})
	return nil
}

func (f *fakeService) MergeCells(_ context.Context, _, worksheet, rangeA1 string) error {
	f.calls = append(f.calls, "merge:"+worksheet+":"+rangeA1)
	return f.fail()
}

func (f *fakeService) FormatRange(_ context.Context, _, worksheet, rangeA1 string, _ CellFormat) error {
	f.calls = append(f.calls, "format:"+worksheet+":"+rangeA1)
	return f.fail()
}

func (f *fakeService) Share(_ context.Context, _, email, _ string) error {
	f.calls = append(f.calls, "share:"+email)
	return f.fail()
}

func (f *fakeService) Publish(_ context.Context, id string) error {
	f.calls = append(f.calls, "publish:"+id)
	return f.fail()
}

func (f *fakeService) FirstSheetID(_ context.Context, _ string) (int64, error) {
	f.calls = append(f.calls, "firstgid")
	if err := f.fail(); err != nil {
		return 0, err
	}
	return 1, nil
}

// instantClock removes real sleeping from writer tests and records how long
// each sleep would have been.
type instantClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newInstantWriter(svc Service, opts ...Option) (*Writer, *instantClock) {
	clock := &instantClock{now: time.Unix(1000, 0)}
	base := []Option{WithClock(
		func() time.Time { return clock.now },
		func(_ context.Context, d time.Duration) error {
			clock.sleeps = append(clock.sleeps, d)
			clock.now = clock.now.Add(d)
			return nil
		},
	)}
	return NewWriter(svc, append(base, opts...)...), clock
}

func TestRetryHookFiresPerRetry(t *testing.T) {
	ctx := context.Background()

	var retries int
	svc := &fakeService{failNext: 3, failWith: &StatusError{Code: 429}}
	w, _ := newInstantWriter(svc, WithMaxRetries(6), WithRetryHook(func() { retries++ }))
	if err := w.Publish(ctx, "ss-1"); err != nil {
		t.Fatalf("publish should recover: %v", err)
	}
	if retries != 3 {
		t.Fatalf("retry hook fired %d times, want 3", retries)
	}

	// Non-retryable failures never fire the hook.
	retries = 0
	svc = &fakeService{failNext: 1, failWith: &StatusError{Code: 500}}
	w, _ = newInstantWriter(svc, WithRetryHook(func() { retries++ }))
	if err := w.Publish(ctx, "ss-1"); err == nil {
		t.Fatalf("expected error")
	}
	if retries != 0 {
		t.Fatalf("retry hook fired %d times, want 0", retries)
	}
}

func TestRetryOnlyOnRateLimit(t *testing.T) {
	ctx := context.Background()

	// A 429 is retried until it clears: k failures mean k+1 attempts.
	svc := &fakeService{failNext: 3, failWith: &StatusError{Code: 429}}
	w, _ := newInstantWriter(svc, WithMaxRetries(6))
	if err := w.Publish(ctx, "ss-1"); err != nil {
		t.Fatalf("publish should recover: %v", err)
	}
	if got := len(svc.calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}

	// Any other failure is terminal after exactly one attempt.
	svc = &fakeService{failNext: 5, failWith: &StatusError{Code: 500}}
	w, _ = newInstantWriter(svc)
	err := w.Publish(ctx, "ss-1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := len(svc.calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OpError, got %T", err)
	}
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{failNext: 100, failWith: &StatusError{Code: 429}}
	w, _ := newInstantWriter(svc, WithMaxRetries(2))

	err := w.Publish(ctx, "ss-1")
	if err == nil {
		t.Fatalf("expected error once retries run out")
	}
	// maxRetries bounds the retries, so attempts are maxRetries+1.
	if got := len(svc.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !strings.Contains(err.Error(), "rate limit not lifted") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{failNext: 4, failWith: &StatusError{Code: 429}}
	w, clock := newInstantWriter(svc,
		WithMinInterval(0),
		WithBackoff(time.Second, 4*time.Second),
		WithMaxRetries(6),
	)
	if err := w.Publish(ctx, "ss-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), clock.sleeps)
	}
	for i, d := range want {
		if clock.sleeps[i] != d {
			t.Fatalf("sleep %d: expected %s, got %s", i, d, clock.sleeps[i])
		}
	}
}

func TestThrottleSpacesConsecutiveCalls(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	w, clock := newInstantWriter(svc, WithMinInterval(time.Second))

	for i := 0; i < 3; i++ {
		if err := w.Publish(ctx, "ss-1"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// First call goes straight through; the rest wait out the interval.
	if len(clock.sleeps) != 2 {
		t.Fatalf("expected 2 throttle sleeps, got %v", clock.sleeps)
	}
	for _, d := range clock.sleeps {
		if d != time.Second {
			t.Fatalf("expected 1s spacing, got %s", d)
		}
	}
}

func TestBufferFlushesAtThresholdInOrder(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	w, _ := newInstantWriter(svc, WithBatchSize(3), WithMinInterval(0))

	for i := 0; i < 3; i++ {
		rng := fmt.Sprintf("A%d", i+1)
		if err := w.UpdateRange(ctx, "ss-1", "Overall", rng, [][]string{{"x"}}, ModeRaw); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	if len(svc.batches) != 1 {
		t.Fatalf("expected one batch at threshold, got %d", len(svc.batches))
	}
	got := svc.batches[0]
	if got.worksheet != "Overall" || got.mode != ModeRaw || len(got.writes) != 3 {
		t.Fatalf("unexpected batch: %#v", got)
	}
	for i, wr := range got.writes {
		if wr.Range != fmt.Sprintf("A%d", i+1) {
			t.Fatalf("order broken at %d: %s", i, wr.Range)
		}
	}
}

func TestModesBufferSeparately(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	w, _ := newInstantWriter(svc, WithMinInterval(0))

	_ = w.UpdateRange(ctx, "ss-1", "Overall", "A1", [][]string{{"raw"}}, ModeRaw)
	_ = w.UpdateRange(ctx, "ss-1", "Overall", "A2", [][]string{{"=1+1"}}, ModeUserEntered)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(svc.batches) != 2 {
		t.Fatalf("expected two batches, got %d", len(svc.batches))
	}
	if svc.batches[0].mode != ModeRaw || svc.batches[1].mode != ModeUserEntered {
		t.Fatalf("modes mixed: %#v", svc.batches)
	}
}

func TestMergeFlushesPendingWritesFirst(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{}
	w, _ := newInstantWriter(svc, WithMinInterval(0))

	_ = w.UpdateRange(ctx, "ss-1", "Overall", "A1", [][]string{{"x"}}, ModeRaw)
	if err := w.MergeCells(ctx, "ss-1", "Overall", "A1:B1"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(svc.calls) != 2 || !strings.HasPrefix(svc.calls[0], "batch:") || !strings.HasPrefix(svc.calls[1], "merge:") {
		t.Fatalf("merge overtook buffered writes: %v", svc.calls)
	}
}

func TestOpErrorMessageShape(t *testing.T) {
	ctx := context.Background()
	svc := &fakeService{failNext: 1, failWith: &StatusError{Code: 403, Message: "forbidden"}}
	w, _ := newInstantWriter(svc, WithMinInterval(0))

	err := w.FormatRange(ctx, "ss-1", "Overall", "A5:G12", CellFormat{Bold: true})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.HasPrefix(err.Error(), "Formatting A5:G12 on Overall failed: ") {
		t.Fatalf("unexpected message: %v", err)
	}
}
