package sheets

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Writer performs spreadsheet mutations under a uniform discipline: a
// process-visible minimum spacing between calls, exponential backoff on
// rate-limit rejections, and per-worksheet buffering of value writes. The
// throttle state is instance-scoped, so independent writers (tests, multiple
// jobs in one process) do not cross-throttle.
type Writer struct {
	svc Service

	minInterval time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	maxRetries  int
	batchSize   int

	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	onRetry func()

	mu        sync.Mutex
	nextWrite time.Time
	buffers   map[bufferKey]*buffer
	order     []bufferKey
}

type bufferKey struct {
	spreadsheetID string
	worksheet     string
	mode          ValueInputMode
}

type buffer struct {
	writes []RangeValues
}

// Option adjusts writer behavior.
type Option func(*Writer)

// WithMinInterval sets the minimum spacing between consecutive calls.
func WithMinInterval(d time.Duration) Option { return func(w *Writer) { w.minInterval = d } }

// WithBackoff sets the rate-limit backoff base and ceiling.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Writer) { w.backoffBase, w.backoffMax = base, max }
}

// WithMaxRetries bounds how many times a rate-limited call is retried.
func WithMaxRetries(n int) Option { return func(w *Writer) { w.maxRetries = n } }

// WithBatchSize sets the buffered-write flush threshold.
func WithBatchSize(n int) Option { return func(w *Writer) { w.batchSize = n } }

// WithRetryHook registers a callback invoked once per rate-limit retry,
// before the backoff sleep. Used to feed retry counters.
func WithRetryHook(fn func()) Option { return func(w *Writer) { w.onRetry = fn } }

// WithClock injects time sources for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(w *Writer) { w.now, w.sleep = now, sleep }
}

// NewWriter wraps a service with the default discipline: 1s spacing, 1s base
// backoff capped at 60s, 6 retries, 30-entry batches.
func NewWriter(svc Service, opts ...Option) *Writer {
	w := &Writer{
		svc:         svc,
		minInterval: time.Second,
		backoffBase: time.Second,
		backoffMax:  60 * time.Second,
		maxRetries:  6,
		batchSize:   30,
		now:         time.Now,
		buffers:     make(map[bufferKey]*buffer),
	}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// perform runs one mutating call under the throttle. Rate-limit rejections
// back off exponentially up to maxRetries further attempts; any other error
// class fails immediately, wrapped with the operation and target.
func (w *Writer) perform(ctx context.Context, op, target string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := w.throttle(ctx); err != nil {
			return &OpError{Op: op, Target: target, Err: err}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return &OpError{Op: op, Target: target, Err: err}
		}
		if attempt >= w.maxRetries {
			return &OpError{Op: op, Target: target, Err: fmt.Errorf("rate limit not lifted after %d attempts: %w", attempt+1, err)}
		}
		if w.onRetry != nil {
			w.onRetry()
		}
		backoff := w.backoffBase << attempt
		if backoff > w.backoffMax || backoff <= 0 {
			backoff = w.backoffMax
		}
		if err := w.sleep(ctx, backoff); err != nil {
			return &OpError{Op: op, Target: target, Err: err}
		}
	}
}

// throttle reserves the next write slot and sleeps until it arrives.
func (w *Writer) throttle(ctx context.Context) error {
	w.mu.Lock()
	now := w.now()
	wait := w.nextWrite.Sub(now)
	if wait < 0 {
		wait = 0
	}
	w.nextWrite = now.Add(wait + w.minInterval)
	w.mu.Unlock()

	if wait == 0 {
		return nil
	}
	return w.sleep(ctx, wait)
}

// CreateSpreadsheet creates a new document.
func (w *Writer) CreateSpreadsheet(ctx context.Context, title string) (Spreadsheet, error) {
	var ss Spreadsheet
	err := w.perform(ctx, "Creating spreadsheet", fmt.Sprintf("%q", title), func() error {
		var err error
		ss, err = w.svc.CreateSpreadsheet(ctx, title)
		return err
	})
	return ss, err
}

// AddWorksheet appends a new tab and returns its sheet id.
func (w *Writer) AddWorksheet(ctx context.Context, spreadsheetID, title string, rows, cols int) (int64, error) {
	var gid int64
	err := w.perform(ctx, "Adding worksheet", fmt.Sprintf("%q", title), func() error {
		var err error
		gid, err = w.svc.AddWorksheet(ctx, spreadsheetID, title, rows, cols)
		return err
	})
	return gid, err
}

// SetWorksheetTitle renames a tab.
func (w *Writer) SetWorksheetTitle(ctx context.Context, spreadsheetID, worksheet, title string) error {
	return w.perform(ctx, "Renaming", fmt.Sprintf("%s to %q", worksheet, title), func() error {
		return w.svc.SetWorksheetTitle(ctx, spreadsheetID, worksheet, title)
	})
}

// UpdateRange buffers one value write for the worksheet. Buffers are keyed
// by worksheet and input mode so formula writes never mix with raw ones;
// order within a buffer is preserved. The buffer flushes itself once it
// reaches the batch threshold.
func (w *Writer) UpdateRange(ctx context.Context, spreadsheetID, worksheet, rangeA1 string, values [][]string, mode ValueInputMode) error {
	key := bufferKey{spreadsheetID: spreadsheetID, worksheet: worksheet, mode: mode}

	w.mu.Lock()
	buf, ok := w.buffers[key]
	if !ok {
		buf = &buffer{}
		w.buffers[key] = buf
		w.order = append(w.order, key)
	}
	buf.writes = append(buf.writes, RangeValues{Range: rangeA1, Values: values})
	full := len(buf.writes) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.FlushWorksheet(ctx, spreadsheetID, worksheet)
	}
	return nil
}

// FlushWorksheet sends every buffered write for one worksheet, in order.
func (w *Writer) FlushWorksheet(ctx context.Context, spreadsheetID, worksheet string) error {
	w.mu.Lock()
	var pending []bufferKey
	for _, key := range w.order {
		if key.spreadsheetID == spreadsheetID && key.worksheet == worksheet && len(w.buffers[key].writes) > 0 {
			pending = append(pending, key)
		}
	}
	batches := make([][]RangeValues, len(pending))
	for i, key := range pending {
		batches[i] = w.buffers[key].writes
		w.buffers[key].writes = nil
	}
	w.mu.Unlock()

	for i, key := range pending {
		writes := batches[i]
		target := fmt.Sprintf("%d ranges on %s", len(writes), worksheet)
		err := w.perform(ctx, "Writing", target, func() error {
			return w.svc.BatchUpdateRanges(ctx, spreadsheetID, worksheet, key.mode, writes)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush sends every buffered write across all worksheets.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	order := make([]bufferKey, len(w.order))
	copy(order, w.order)
	w.mu.Unlock()

	seen := make(map[string]bool)
	for _, key := range order {
		id := key.spreadsheetID + "\x00" + key.worksheet
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := w.FlushWorksheet(ctx, key.spreadsheetID, key.worksheet); err != nil {
			return err
		}
	}
	return nil
}

// MergeCells merges a range. Pending value writes for the worksheet are
// flushed first so structural changes never overtake buffered data.
func (w *Writer) MergeCells(ctx context.Context, spreadsheetID, worksheet, rangeA1 string) error {
	if err := w.FlushWorksheet(ctx, spreadsheetID, worksheet); err != nil {
		return err
	}
	return w.perform(ctx, "Merging", fmt.Sprintf("%s on %s", rangeA1, worksheet), func() error {
		return w.svc.MergeCells(ctx, spreadsheetID, worksheet, rangeA1)
	})
}

// FormatRange applies cell formatting, flushing pending writes first.
func (w *Writer) FormatRange(ctx context.Context, spreadsheetID, worksheet, rangeA1 string, format CellFormat) error {
	if err := w.FlushWorksheet(ctx, spreadsheetID, worksheet); err != nil {
		return err
	}
	return w.perform(ctx, "Formatting", fmt.Sprintf("%s on %s", rangeA1, worksheet), func() error {
		return w.svc.FormatRange(ctx, spreadsheetID, worksheet, rangeA1, format)
	})
}

// Share grants access to the document.
func (w *Writer) Share(ctx context.Context, spreadsheetID, email, role string) error {
	return w.perform(ctx, "Sharing", fmt.Sprintf("%s with %s", spreadsheetID, email), func() error {
		return w.svc.Share(ctx, spreadsheetID, email, role)
	})
}

// Publish enables publish-to-web on the document.
func (w *Writer) Publish(ctx context.Context, spreadsheetID string) error {
	return w.perform(ctx, "Publishing", spreadsheetID, func() error {
		return w.svc.Publish(ctx, spreadsheetID)
	})
}

// FirstSheetID reads the gid of the first tab. Reads skip the retry
// discipline; failures surface directly.
func (w *Writer) FirstSheetID(ctx context.Context, spreadsheetID string) (int64, error) {
	gid, err := w.svc.FirstSheetID(ctx, spreadsheetID)
	if err != nil {
		return 0, &OpError{Op: "Reading sheet metadata for", Target: spreadsheetID, Err: err}
	}
	return gid, nil
}
