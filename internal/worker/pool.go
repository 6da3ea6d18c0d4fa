package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
	"github.com/veranemoloko/gator/internal/metrics"
	"github.com/veranemoloko/gator/internal/progress"
	"github.com/veranemoloko/gator/internal/queue"
	"github.com/veranemoloko/gator/internal/storage"
	"github.com/veranemoloko/gator/internal/transport"
)

const copyBufferSize = 32 * 1024

var errAttemptStalled = fmt.Errorf("no data within attempt timeout: %w", context.DeadlineExceeded)

// WriterOpener hands out an independent positioned writer per worker.
type WriterOpener interface {
	OpenWriter(path string) (storage.WriterAtCloser, error)
}

// ReportKind is the kind of a segment lifecycle report.
type ReportKind int

const (
	ReportStarted ReportKind = iota
	ReportDone
	ReportFailed
)

func (k ReportKind) String() string {
	switch k {
	case ReportStarted:
		return "started"
	case ReportDone:
		return "done"
	case ReportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report tells the coordinator what happened to a segment.
type Report struct {
	Kind     ReportKind
	Segment  domain.Segment
	Worker   int
	Bytes    int64
	Attempts int
	Err      error
}

// Target is the resource being downloaded and where it goes.
type Target struct {
	URL  string
	Path string
	// Ranged is true for multi-segment plans: every request carries a Range
	// header and the response must be a matching 206.
	Ranged bool
}

// Options configures a Pool.
type Options struct {
	Workers         int
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// AttemptTimeout bounds the wait for response headers and the gap
	// between two body reads. A steady body may take longer than this.
	AttemptTimeout time.Duration
}

// Pool runs a bounded set of workers that pull segments from a queue,
// fetch them, and write them at their offsets in the destination file.
type Pool struct {
	transport transport.Transport
	opener    WriterOpener
	sink      progress.Sink
	opts      Options
	logger    *slog.Logger
}

// NewPool creates a Pool. A nil sink discards progress.
func NewPool(t transport.Transport, opener WriterOpener, sink progress.Sink, opts Options, logger *slog.Logger) *Pool {
	if sink == nil {
		sink = progress.Discard
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		transport: t,
		opener:    opener,
		sink:      sink,
		opts:      opts,
		logger:    logger,
	}
}

// Run drains q with up to Options.Workers workers, never more than there
// are segments. Every segment handed out produces a Started report followed
// by exactly one Done or Failed report. The first segment that exhausts its
// attempts cancels the others and its error is returned.
func (p *Pool) Run(ctx context.Context, target Target, q *queue.Queue, reports chan<- Report) error {
	n := min(p.opts.Workers, q.Len())
	if n == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		workerID := i + 1
		g.Go(func() error {
			err := p.work(gctx, workerID, target, q, reports)
			if err != nil {
				q.Close()
			}
			return err
		})
	}

	return g.Wait()
}

func (p *Pool) work(ctx context.Context, workerID int, target Target, q *queue.Queue, reports chan<- Report) error {
	w, err := p.opener.OpenWriter(target.Path)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		seg, ok := q.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		reports <- Report{Kind: ReportStarted, Segment: seg, Worker: workerID}
		metrics.SegmentsStarted.Inc()
		metrics.ActiveWorkers.Inc()

		start := time.Now()
		written, attempts, err := p.fetchSegment(ctx, target, seg, w)
		metrics.ActiveWorkers.Dec()
		metrics.SegmentDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			kind := errpkg.KindOf(err)
			metrics.SegmentsFailed.WithLabelValues(kind.String()).Inc()
			if kind != errpkg.KindCancelled {
				p.logger.Error("segment failed",
					"segment_id", seg.ID,
					"worker_id", workerID,
					"attempts", attempts,
					"error", err,
				)
			}
			reports <- Report{Kind: ReportFailed, Segment: seg, Worker: workerID, Bytes: written, Attempts: attempts, Err: err}
			return err
		}

		metrics.SegmentsCompleted.Inc()
		p.sink.Send(domain.ProgressEvent{SegmentID: seg.ID, Terminal: true})
		reports <- Report{Kind: ReportDone, Segment: seg, Worker: workerID, Bytes: written, Attempts: attempts}
	}
}

// fetchSegment runs up to RetryAttempts attempts. Bytes reported to the
// sink by a failed attempt are withdrawn before the next one.
func (p *Pool) fetchSegment(ctx context.Context, target Target, seg domain.Segment, w io.WriterAt) (int64, int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := p.backoff(ctx, attempt-1); err != nil {
				return 0, attempt - 1, p.segmentError(errpkg.KindCancelled, seg, attempt-1, lastErr)
			}
		}

		written, err := p.attempt(ctx, target, seg, w)
		if err == nil {
			return written, attempt, nil
		}
		lastErr = err

		if written > 0 {
			p.sink.Send(domain.ProgressEvent{Bytes: -written, SegmentID: seg.ID})
		}

		kind := errpkg.KindOf(err)
		if ctx.Err() != nil {
			kind = errpkg.KindCancelled
		}

		if !errpkg.Retryable(kind) || attempt == p.opts.RetryAttempts {
			return written, attempt, p.segmentError(kind, seg, attempt, err)
		}

		metrics.SegmentRetries.WithLabelValues(kind.String()).Inc()
		p.logger.Warn("segment attempt failed, retrying",
			"segment_id", seg.ID,
			"attempt", attempt,
			"kind", kind.String(),
			"error", err,
		)
	}

	return 0, p.opts.RetryAttempts, p.segmentError(errpkg.KindOf(lastErr), seg, p.opts.RetryAttempts, lastErr)
}

func (p *Pool) segmentError(kind errpkg.Kind, seg domain.Segment, attempts int, err error) error {
	if err == nil {
		err = errpkg.ErrCancelled
	}
	return &errpkg.SegmentError{Kind: kind, SegmentID: seg.ID, Attempts: attempts, Err: err}
}

// attempt performs one request for seg and writes the body at its offset.
func (p *Pool) attempt(ctx context.Context, target Target, seg domain.Segment, w io.WriterAt) (int64, error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	touch := func() {}
	if timeout := p.opts.AttemptTimeout; timeout > 0 {
		watchdog := time.AfterFunc(timeout, func() { cancel(errAttemptStalled) })
		defer watchdog.Stop()
		touch = func() { watchdog.Reset(timeout) }
	}

	written, err := p.fetchOnce(actx, target, seg, w, touch)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(actx), errAttemptStalled) {
		return written, fmt.Errorf("%w (%v)", errAttemptStalled, err)
	}
	return written, err
}

func (p *Pool) fetchOnce(ctx context.Context, target Target, seg domain.Segment, w io.WriterAt, touch func()) (int64, error) {
	var rng *transport.Range
	if target.Ranged && seg.Bounded() {
		rng = &transport.Range{Start: seg.Start, End: seg.End}
	}

	resp, err := p.transport.Fetch(ctx, target.URL, rng)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := verifyResponse(resp, seg, rng); err != nil {
		return 0, err
	}

	touch()
	written, err := p.copyAt(ctx, w, resp.Body, seg, target.Path, touch)
	if err != nil {
		return written, err
	}

	if limit := seg.Len(); limit >= 0 && written < limit {
		return written, fmt.Errorf("%w: got %d of %d bytes", errpkg.ErrShortBody, written, limit)
	}

	return written, nil
}

// copyAt streams src into w starting at seg.Start, calling touch after every
// read that returned data. A body that runs past the end of a bounded
// segment is a range mismatch.
func (p *Pool) copyAt(ctx context.Context, w io.WriterAt, src io.Reader, seg domain.Segment, path string, touch func()) (int64, error) {
	buf := make([]byte, copyBufferSize)
	limit := seg.Len()
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			touch()
			if limit >= 0 && total+int64(nr) > limit {
				return total, fmt.Errorf("%w: body exceeds %d bytes for %s", errpkg.ErrRangeMismatch, limit, seg)
			}

			nw, werr := w.WriteAt(buf[:nr], seg.Start+total)
			if nw > 0 {
				total += int64(nw)
				metrics.BytesWritten.Add(float64(nw))
				p.sink.Send(domain.ProgressEvent{Bytes: int64(nw), SegmentID: seg.ID})
			}
			if werr != nil {
				if !errors.Is(werr, errpkg.ErrDisk) {
					werr = errpkg.NewDiskError("write", path, werr)
				}
				return total, werr
			}
			if nw != nr {
				return total, errpkg.NewDiskError("write", path, io.ErrShortWrite)
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, fmt.Errorf("%w: read body: %w", errpkg.ErrNetwork, rerr)
		}
	}
}

// verifyResponse checks that the server answered the request that was made.
func verifyResponse(resp *transport.Response, seg domain.Segment, rng *transport.Range) error {
	if rng == nil {
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return &errpkg.StatusError{Code: resp.StatusCode, Status: fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
		}
		if limit := seg.Len(); limit >= 0 && resp.ContentLength > limit {
			return fmt.Errorf("%w: content length %d exceeds %d", errpkg.ErrRangeMismatch, resp.ContentLength, limit)
		}
		return nil
	}

	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: status %d for %s", errpkg.ErrRangeMismatch, resp.StatusCode, rng.Header())
	}

	start, end, _, err := transport.ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return fmt.Errorf("%w: %v", errpkg.ErrRangeMismatch, err)
	}
	if start != rng.Start || end != rng.End {
		return fmt.Errorf("%w: requested %d-%d, got %d-%d", errpkg.ErrRangeMismatch, rng.Start, rng.End, start, end)
	}
	if resp.ContentLength > seg.Len() {
		return fmt.Errorf("%w: content length %d exceeds %d", errpkg.ErrRangeMismatch, resp.ContentLength, seg.Len())
	}

	return nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (p *Pool) backoff(ctx context.Context, retry int) error {
	delay := backoffDelay(p.opts.RetryBackoff, p.opts.RetryMaxBackoff, retry)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns base*2^(retry-1), capped at max, scaled by a random
// factor in [0.5, 1.5).
func backoffDelay(base, maxDelay time.Duration, retry int) time.Duration {
	if base <= 0 || retry < 1 {
		return 0
	}

	delay := base
	for i := 1; i < retry && delay < maxDelay; i++ {
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}
