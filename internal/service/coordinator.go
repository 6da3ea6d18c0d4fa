package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
	"github.com/veranemoloko/gator/internal/metrics"
	"github.com/veranemoloko/gator/internal/planner"
	"github.com/veranemoloko/gator/internal/progress"
	"github.com/veranemoloko/gator/internal/queue"
	"github.com/veranemoloko/gator/internal/repository"
	"github.com/veranemoloko/gator/internal/resume"
	"github.com/veranemoloko/gator/internal/storage"
	"github.com/veranemoloko/gator/internal/transport"
	"github.com/veranemoloko/gator/internal/worker"
)

// FileStore is the destination file layer used by a job.
type FileStore interface {
	Preallocate(path string, size int64) (created bool, err error)
	OpenWriter(path string) (storage.WriterAtCloser, error)
	FileSize(path string) (int64, error)
	Remove(path string) error
}

// RecordFactory returns the completion record store for a destination.
type RecordFactory func(dest string) repository.RecordRepo

// Options configures a JobCoordinator.
type Options struct {
	SegmentSize        int64
	SmallFileThreshold int64
	ProbeTimeout       time.Duration
	Worker             worker.Options
}

// Deps are the collaborators of a JobCoordinator. Records and Sink are
// optional.
type Deps struct {
	Transport transport.Transport
	Files     FileStore
	Records   RecordFactory
	Sink      progress.Sink
}

// JobCoordinator runs a download job from plan to outcome. It owns segment
// state and the completion record; workers only send it reports.
type JobCoordinator struct {
	transport transport.Transport
	files     FileStore
	records   RecordFactory
	sink      progress.Sink
	opts      Options
	logger    *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewJobCoordinator creates a coordinator.
func NewJobCoordinator(deps Deps, opts Options, logger *slog.Logger) *JobCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}
	if deps.Records == nil {
		deps.Records = func(dest string) repository.RecordRepo {
			return repository.NewRecordStorage(dest, logger)
		}
	}
	return &JobCoordinator{
		transport: deps.Transport,
		files:     deps.Files,
		records:   deps.Records,
		sink:      deps.Sink,
		opts:      opts,
		logger:    logger,
	}
}

// Probe asks the server about url and builds the job that downloads it to dest.
func (c *JobCoordinator) Probe(ctx context.Context, url, dest string) (domain.DownloadJob, error) {
	if c.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
	}

	info, err := c.transport.Probe(ctx, url)
	if err != nil {
		return domain.DownloadJob{}, fmt.Errorf("probe %s: %w", url, err)
	}

	job := domain.NewDownloadJob(url, dest, info, c.opts.SegmentSize)

	c.logger.Info("remote resource probed",
		"job_id", job.ID,
		"url", url,
		"status", info.Status,
		"length", info.Size,
		"type", info.ContentType,
		"accepts_ranges", info.AcceptsRanges,
	)

	return job, nil
}

// run holds the mutable state of one Run. It is only touched by the
// goroutine consuming worker reports.
type run struct {
	job     domain.DownloadJob
	states  []domain.SegmentState
	record  repository.RecordRepo
	persist bool
	cancel  context.CancelFunc

	fetched   int
	bytes     int64
	segErr    error
	recordErr error
}

// Run executes job and returns its outcome. It never returns early without
// an outcome; the completion record is kept unless every segment is Done.
func (c *JobCoordinator) Run(ctx context.Context, job domain.DownloadJob) domain.JobOutcome {
	started := time.Now()
	metrics.JobsStarted.Inc()

	logger := c.logger.With("job_id", job.ID)
	out := domain.JobOutcome{JobID: job.ID.String()}

	c.reset(job, started)

	finish := func(err error, states []domain.SegmentState) domain.JobOutcome {
		out.Duration = time.Since(started)
		out.TotalSegments = len(states)
		out.Incomplete = incomplete(states)

		if err == nil {
			out.Success = true
			metrics.JobsFinished.WithLabelValues("success").Inc()
			c.setState(domain.JobSucceeded, "")
			logger.Info("download completed",
				"dest", job.Dest,
				"bytes_written", out.BytesWritten,
				"segments_fetched", out.FetchedSegments,
				"segments_resumed", out.ResumedSegments,
				"duration", out.Duration,
			)
		} else {
			kind := errpkg.KindOf(err)
			out.Kind = kind.String()
			out.Err = err
			metrics.JobsFinished.WithLabelValues(out.Kind).Inc()
			c.setState(domain.JobFailed, err.Error())
			logger.Error("download failed",
				"dest", job.Dest,
				"kind", out.Kind,
				"incomplete_segments", len(out.Incomplete),
				"error", err,
			)
		}

		metrics.JobDuration.Observe(out.Duration.Seconds())
		return out
	}

	// Planning
	c.setState(domain.JobPlanning, "")
	plan, err := planner.Plan(job.TotalSize, job.RangesSupported, planner.Options{
		SegmentSize:        job.SegmentSize,
		SmallFileThreshold: c.opts.SmallFileThreshold,
	})
	if err == nil {
		err = planner.Validate(plan, job.TotalSize)
	}
	if err != nil {
		return finish(fmt.Errorf("plan: %w", err), nil)
	}

	states := make([]domain.SegmentState, len(plan))
	c.update(func(s *Snapshot) { s.Segments = len(plan); s.Pending = len(plan) })

	// Resuming
	c.setState(domain.JobResuming, "")
	record := c.records(job.Dest)
	defer record.Close()

	res, err := resume.Inspect(job.Dest, plan, job.Fingerprint(), record)
	if err != nil {
		return finish(fmt.Errorf("inspect destination: %w", err), states)
	}

	var resumedBytes int64
	for i, seg := range res.All {
		states[i] = seg.State
		if seg.State == domain.SegmentDone {
			resumedBytes += seg.Len()
		}
	}
	out.ResumedSegments = res.Resumed()
	metrics.SegmentsResumed.Add(float64(out.ResumedSegments))

	if res.Fresh {
		logger.Info("starting fresh download", "reason", res.Reason)
		if err := record.Delete(); err != nil {
			return finish(errpkg.NewDiskError("remove record", repository.RecordPath(job.Dest), err), states)
		}
	} else {
		logger.Info("resuming download",
			"segments_done", out.ResumedSegments,
			"segments_remaining", len(res.Remaining),
			"bytes_done", resumedBytes,
		)
	}

	c.update(func(s *Snapshot) {
		s.Done = out.ResumedSegments
		s.Resumed = out.ResumedSegments
		s.Pending = len(res.Remaining)
		s.BytesDone = resumedBytes
	})

	// Preallocating
	c.setState(domain.JobPreallocating, "")
	created, err := c.files.Preallocate(job.Dest, max(job.TotalSize, 0))
	if err != nil {
		if created {
			if rmErr := c.files.Remove(job.Dest); rmErr != nil {
				logger.Warn("failed to remove partially created file", "dest", job.Dest, "error", rmErr)
			}
		}
		return finish(err, states)
	}

	persist := job.SizeKnown()
	if res.Fresh && persist {
		header := repository.RecordHeader{
			JobID:       job.ID.String(),
			Fingerprint: job.Fingerprint(),
			Segments:    len(plan),
			CreatedAt:   started.UTC(),
		}
		if err := record.Create(header); err != nil {
			return finish(errpkg.NewDiskError("create record", repository.RecordPath(job.Dest), err), states)
		}
	}

	workers := min(c.workerCount(), len(res.Remaining))
	logger.Info("download planned",
		"segments", len(plan),
		"segment_size", job.SegmentSize,
		"remaining", len(res.Remaining),
		"workers", workers,
	)

	if len(res.Remaining) == 0 {
		c.setState(domain.JobFinalizing, "")
		return finish(c.finalize(job, record, persist), states)
	}

	// Downloading
	c.setState(domain.JobDownloading, "")
	if resumedBytes > 0 {
		c.sink.Send(domain.ProgressEvent{Bytes: resumedBytes, SegmentID: -1})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		job:     job,
		states:  states,
		record:  record,
		persist: persist,
		cancel:  cancel,
	}

	pool := worker.NewPool(c.transport, c.files, c.sink, c.opts.Worker, logger)
	target := worker.Target{URL: job.URL, Path: job.Dest, Ranged: len(plan) > 1}

	reports := make(chan worker.Report, workers)
	poolErr := make(chan error, 1)
	go func() {
		err := pool.Run(runCtx, target, queue.New(res.Remaining), reports)
		close(reports)
		poolErr <- err
	}()

	for report := range reports {
		c.apply(r, report, logger)
	}
	runErr := <-poolErr

	out.FetchedSegments = r.fetched
	out.BytesWritten = r.bytes

	// Finalizing
	c.setState(domain.JobFinalizing, "")

	if r.recordErr != nil {
		return finish(r.recordErr, states)
	}

	if len(incomplete(states)) > 0 {
		return finish(terminalError(ctx, r.segErr, runErr), states)
	}

	if runErr != nil {
		logger.Warn("worker error after all segments completed", "error", runErr)
	}

	return finish(c.finalize(job, record, persist), states)
}

// apply folds one worker report into the run state and the record.
func (c *JobCoordinator) apply(r *run, report worker.Report, logger *slog.Logger) {
	id := report.Segment.ID
	if id < 0 || id >= len(r.states) {
		logger.Warn("report for unknown segment", "segment_id", id)
		return
	}

	var next domain.SegmentState
	switch report.Kind {
	case worker.ReportStarted:
		next = domain.SegmentInFlight
	case worker.ReportDone:
		next = domain.SegmentDone
	case worker.ReportFailed:
		next = domain.SegmentFailed
	}

	prev := r.states[id]
	if !prev.CanTransition(next) {
		logger.Warn("invalid segment transition",
			"segment_id", id,
			"from", prev.String(),
			"to", next.String(),
		)
		return
	}
	r.states[id] = next

	switch report.Kind {
	case worker.ReportStarted:
		logger.Debug("segment started", "segment_id", id, "worker_id", report.Worker)
		c.update(func(s *Snapshot) { s.Pending--; s.InFlight++ })

	case worker.ReportDone:
		r.fetched++
		r.bytes += report.Bytes
		logger.Debug("segment done", "segment_id", id, "bytes", report.Bytes, "attempts", report.Attempts)
		c.update(func(s *Snapshot) {
			s.InFlight--
			s.Done++
			s.BytesDone += report.Bytes
			s.BytesWritten += report.Bytes
		})

		if r.persist && r.recordErr == nil {
			if err := r.record.MarkDone(id); err != nil {
				r.recordErr = errpkg.NewDiskError("update record", repository.RecordPath(r.job.Dest), err)
				r.cancel()
			}
		}

	case worker.ReportFailed:
		r.bytes += report.Bytes
		if r.segErr == nil && errpkg.KindOf(report.Err) != errpkg.KindCancelled {
			r.segErr = report.Err
		}
		c.update(func(s *Snapshot) {
			s.InFlight--
			s.Failed++
			s.BytesWritten += report.Bytes
		})
	}
}

// finalize checks the file and drops the record once every segment is Done.
func (c *JobCoordinator) finalize(job domain.DownloadJob, record repository.RecordRepo, persist bool) error {
	if job.SizeKnown() {
		size, err := c.files.FileSize(job.Dest)
		if err != nil {
			return err
		}
		if size != job.TotalSize {
			return errpkg.NewDiskError("verify", job.Dest,
				fmt.Errorf("file is %d bytes, expected %d", size, job.TotalSize))
		}
	}

	if persist {
		if err := record.Delete(); err != nil {
			c.logger.Warn("failed to remove completion record", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (c *JobCoordinator) workerCount() int {
	if c.opts.Worker.Workers > 0 {
		return c.opts.Worker.Workers
	}
	return 1
}

// terminalError picks the error that ends a failed run. A segment failure
// that was not a cancellation wins over the caller's cancellation.
func terminalError(ctx context.Context, segErr, runErr error) error {
	if segErr != nil {
		return segErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errpkg.ErrCancelled, context.Cause(ctx))
	}
	if runErr != nil {
		return runErr
	}
	return errors.New("download stopped with segments incomplete")
}

func incomplete(states []domain.SegmentState) []int {
	ids := make([]int, 0)
	for id, st := range states {
		if st != domain.SegmentDone {
			ids = append(ids, id)
		}
	}
	return ids
}
