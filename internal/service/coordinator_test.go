package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
	"github.com/veranemoloko/gator/internal/planner"
	"github.com/veranemoloko/gator/internal/progress"
	"github.com/veranemoloko/gator/internal/repository"
	"github.com/veranemoloko/gator/internal/storage"
	"github.com/veranemoloko/gator/internal/transport"
	"github.com/veranemoloko/gator/internal/worker"
)

const mib = 1024 * 1024

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 253)
	}
	return data
}

func testOptions() Options {
	return Options{
		SegmentSize:        mib,
		SmallFileThreshold: 10 * mib,
		ProbeTimeout:       5 * time.Second,
		Worker: worker.Options{
			Workers:         4,
			RetryAttempts:   3,
			RetryBackoff:    time.Millisecond,
			RetryMaxBackoff: 5 * time.Millisecond,
			AttemptTimeout:  10 * time.Second,
		},
	}
}

// rangeServer serves data with full range support and a strong ETag.
func rangeServer(t *testing.T, data []byte, etag string) *httptest.Server {
	t.Helper()
	modTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "blob.bin", modTime, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

// countingTransport wraps a transport and can fail or block chosen segments.
type countingTransport struct {
	inner   transport.Transport
	segSize int64

	mu     sync.Mutex
	calls  map[int64]int
	ranged []bool

	// failures[segment] is the number of leading 500s to return.
	failures map[int64]int
	// blockFrom blocks every segment with index >= blockFrom until the
	// request context ends. Negative disables blocking.
	blockFrom int64
}

func newCountingTransport(inner transport.Transport) *countingTransport {
	return &countingTransport{
		inner:     inner,
		segSize:   mib,
		calls:     map[int64]int{},
		failures:  map[int64]int{},
		blockFrom: -1,
	}
}

func (c *countingTransport) Probe(ctx context.Context, url string) (domain.RemoteInfo, error) {
	return c.inner.Probe(ctx, url)
}

func (c *countingTransport) Fetch(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
	var seg int64
	if rng != nil {
		seg = rng.Start / c.segSize
	}

	c.mu.Lock()
	n := c.calls[seg]
	c.calls[seg]++
	c.ranged = append(c.ranged, rng != nil)
	fail := n < c.failures[seg]
	block := c.blockFrom >= 0 && seg >= c.blockFrom
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, &errpkg.StatusError{Code: http.StatusInternalServerError, Status: "500 Internal Server Error"}
	}
	return c.inner.Fetch(ctx, url, rng)
}

func (c *countingTransport) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

func (c *countingTransport) callsFor(seg int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[seg]
}

func newCoordinator(tr transport.Transport, files FileStore, records RecordFactory) *JobCoordinator {
	return NewJobCoordinator(Deps{
		Transport: tr,
		Files:     files,
		Records:   records,
	}, testOptions(), newTestLogger())
}

func probeAndRun(t *testing.T, ctx context.Context, c *JobCoordinator, url, dest string) domain.JobOutcome {
	t.Helper()
	job, err := c.Probe(ctx, url, dest)
	require.NoError(t, err)
	return c.Run(ctx, job)
}

func assertFileEquals(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, len(want), len(got))
	assert.True(t, bytes.Equal(want, got), "file content differs")
}

func TestJobCoordinator_FullDownload(t *testing.T) {
	data := testData(25 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{MaxIdleConnsPerHost: 8}))
	sink := progress.NewChannelSink(64)
	c := NewJobCoordinator(Deps{Transport: tr, Files: storage.NewFileStorage(), Sink: sink}, testOptions(), newTestLogger())

	var rendered int64
	consumed := make(chan struct{})
	go func() {
		rendered = progress.Drain(sink.Events())
		close(consumed)
	}()

	out := probeAndRun(t, context.Background(), c, server.URL+"/blob.bin", dest)
	sink.Close()
	<-consumed

	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 25, out.TotalSegments)
	assert.Equal(t, 25, out.FetchedSegments)
	assert.Empty(t, out.Incomplete)
	assert.Equal(t, int64(26214400), out.BytesWritten)
	assert.Equal(t, int64(26214400), rendered)
	assert.Equal(t, 25, tr.totalCalls())

	assertFileEquals(t, dest, data)

	_, err := os.Stat(repository.RecordPath(dest))
	assert.True(t, errors.Is(err, os.ErrNotExist), "record must be removed on success")

	snap := c.Snapshot()
	assert.Equal(t, domain.JobSucceeded, snap.State)
	assert.Equal(t, 25, snap.Done)
	assert.Zero(t, snap.InFlight)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, int64(26214400), snap.BytesDone)
}

func TestJobCoordinator_NoRangeSupport(t *testing.T) {
	data := testData(12 * mib)
	var rangeHeaders atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			rangeHeaders.Add(1)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(data)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "plain.bin")
	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	c := newCoordinator(tr, storage.NewFileStorage(), nil)

	job, err := c.Probe(context.Background(), server.URL, dest)
	require.NoError(t, err)
	assert.False(t, job.RangesSupported)

	out := c.Run(context.Background(), job)
	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 1, out.TotalSegments)
	assert.Equal(t, 1, tr.totalCalls())
	assert.Equal(t, []bool{false}, tr.ranged)
	assert.Zero(t, rangeHeaders.Load())

	assertFileEquals(t, dest, data)
}

type cancelAfter struct {
	repository.RecordRepo
	n      int
	cancel context.CancelFunc
	done   int
}

func (c *cancelAfter) MarkDone(id int) error {
	if err := c.RecordRepo.MarkDone(id); err != nil {
		return err
	}
	c.done++
	if c.done == c.n {
		c.cancel()
	}
	return nil
}

func TestJobCoordinator_ResumeAfterInterruption(t *testing.T) {
	data := testData(25 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")
	url := server.URL + "/blob.bin"
	files := storage.NewFileStorage()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	first.blockFrom = 10
	records := func(dest string) repository.RecordRepo {
		return &cancelAfter{RecordRepo: repository.NewRecordStorage(dest, newTestLogger()), n: 10, cancel: cancel}
	}

	out := probeAndRun(t, ctx, newCoordinator(first, files, records), url, dest)
	require.False(t, out.Success)
	assert.Equal(t, errpkg.KindCancelled.String(), out.Kind)
	assert.ErrorIs(t, out.Err, errpkg.ErrCancelled)
	require.Len(t, out.Incomplete, 15)
	assert.Equal(t, 10, out.Incomplete[0])
	assert.Equal(t, 24, out.Incomplete[14])

	rec, err := repository.NewRecordStorage(dest, nil).Load()
	require.NoError(t, err)
	assert.Len(t, rec.Done, 10)

	second := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	c := newCoordinator(second, files, nil)
	out = probeAndRun(t, context.Background(), c, url, dest)

	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 10, out.ResumedSegments)
	assert.Equal(t, 15, out.FetchedSegments)
	assert.Equal(t, 15, second.totalCalls())
	for seg := int64(0); seg < 10; seg++ {
		assert.Zero(t, second.callsFor(seg), "segment %d must not be fetched again", seg)
	}

	assertFileEquals(t, dest, data)
	_, err = os.Stat(repository.RecordPath(dest))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestJobCoordinator_RetriesSegment(t *testing.T) {
	data := testData(12 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	tr.failures[3] = 2

	out := probeAndRun(t, context.Background(), newCoordinator(tr, storage.NewFileStorage(), nil), server.URL, dest)
	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 3, tr.callsFor(3))
	assertFileEquals(t, dest, data)
}

func TestJobCoordinator_SegmentFailureKeepsRecord(t *testing.T) {
	data := testData(12 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	tr.failures[5] = 100

	out := probeAndRun(t, context.Background(), newCoordinator(tr, storage.NewFileStorage(), nil), server.URL, dest)
	require.False(t, out.Success)
	assert.Equal(t, errpkg.KindHTTPStatus.String(), out.Kind)
	assert.Contains(t, out.Incomplete, 5)
	assert.Equal(t, 3, tr.callsFor(5))

	var segErr *errpkg.SegmentError
	require.ErrorAs(t, out.Err, &segErr)
	assert.Equal(t, 5, segErr.SegmentID)

	rec, err := repository.NewRecordStorage(dest, nil).Load()
	require.NoError(t, err)
	assert.False(t, rec.IsDone(5))
	assert.Equal(t, len(rec.Done)+len(out.Incomplete), 12)
}

// failingFiles simulates a full disk during preallocation.
type failingFiles struct {
	*storage.FileStorage
	removed atomic.Int32
	opened  atomic.Int32
}

func (f *failingFiles) Preallocate(path string, _ int64) (bool, error) {
	file, err := os.Create(path)
	if err != nil {
		return false, err
	}
	file.Close()
	return true, errpkg.NewDiskError("truncate", path, syscall.ENOSPC)
}

func (f *failingFiles) Remove(path string) error {
	f.removed.Add(1)
	return f.FileStorage.Remove(path)
}

func (f *failingFiles) OpenWriter(path string) (storage.WriterAtCloser, error) {
	f.opened.Add(1)
	return f.FileStorage.OpenWriter(path)
}

func TestJobCoordinator_PreallocationFailure(t *testing.T) {
	data := testData(12 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	files := &failingFiles{FileStorage: storage.NewFileStorage()}

	c := newCoordinator(tr, files, nil)
	out := probeAndRun(t, context.Background(), c, server.URL, dest)
	require.False(t, out.Success)
	assert.Equal(t, errpkg.KindDisk.String(), out.Kind)
	assert.ErrorIs(t, out.Err, errpkg.ErrDisk)
	assert.Len(t, out.Incomplete, 12)

	assert.Zero(t, tr.totalCalls(), "no segment may be fetched")
	assert.Zero(t, files.opened.Load(), "no worker may start")
	assert.Equal(t, int32(1), files.removed.Load())

	_, err := os.Stat(dest)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(repository.RecordPath(dest))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, domain.JobFailed, c.Snapshot().State)
}

func TestJobCoordinator_FingerprintMismatchStartsFresh(t *testing.T) {
	data := testData(12 * mib)
	server := rangeServer(t, data, `"v2"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	require.NoError(t, os.WriteFile(dest, make([]byte, len(data)), 0o644))
	stale := repository.NewRecordStorage(dest, nil)
	require.NoError(t, stale.Create(repository.RecordHeader{
		JobID: "old",
		Fingerprint: domain.Fingerprint{
			URL:         server.URL,
			TotalSize:   int64(len(data)),
			Validator:   "etag:v1",
			SegmentSize: mib,
		},
		Segments: 12,
	}))
	for i := 0; i < 12; i++ {
		require.NoError(t, stale.MarkDone(i))
	}
	require.NoError(t, stale.Close())

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	out := probeAndRun(t, context.Background(), newCoordinator(tr, storage.NewFileStorage(), nil), server.URL, dest)

	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Zero(t, out.ResumedSegments)
	assert.Equal(t, 12, tr.totalCalls())
	assertFileEquals(t, dest, data)
}

func TestJobCoordinator_AlreadyComplete(t *testing.T) {
	data := testData(12 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(dest, data, 0o644))

	tr := newCountingTransport(transport.NewHTTPTransport(transport.Options{}))
	c := newCoordinator(tr, storage.NewFileStorage(), nil)

	job, err := c.Probe(context.Background(), server.URL, dest)
	require.NoError(t, err)

	record := repository.NewRecordStorage(dest, nil)
	require.NoError(t, record.Create(repository.RecordHeader{
		JobID:       "old",
		Fingerprint: job.Fingerprint(),
		Segments:    12,
	}))
	for i := 0; i < 12; i++ {
		require.NoError(t, record.MarkDone(i))
	}
	require.NoError(t, record.Close())

	out := c.Run(context.Background(), job)
	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 12, out.ResumedSegments)
	assert.Zero(t, out.FetchedSegments)
	assert.Zero(t, tr.totalCalls())
	assertFileEquals(t, dest, data)

	_, err = os.Stat(repository.RecordPath(dest))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestJobCoordinator_UnknownSize(t *testing.T) {
	data := testData(3*mib + 11)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		flusher := w.(http.Flusher)
		for off := 0; off < len(data); off += 64 * 1024 {
			end := min(off+64*1024, len(data))
			w.Write(data[off:end])
			flusher.Flush()
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale content that must go"), 0o644))

	c := newCoordinator(transport.NewHTTPTransport(transport.Options{}), storage.NewFileStorage(), nil)
	job, err := c.Probe(context.Background(), server.URL, dest)
	require.NoError(t, err)
	assert.False(t, job.SizeKnown())

	out := c.Run(context.Background(), job)
	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.Equal(t, 1, out.TotalSegments)
	assert.Equal(t, int64(len(data)), out.BytesWritten)
	assertFileEquals(t, dest, data)

	_, err = os.Stat(repository.RecordPath(dest))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestJobCoordinator_EmptyResource(t *testing.T) {
	server := rangeServer(t, nil, `"empty"`)
	dest := filepath.Join(t.TempDir(), "empty.bin")

	out := probeAndRun(t, context.Background(), newCoordinator(transport.NewHTTPTransport(transport.Options{}), storage.NewFileStorage(), nil), server.URL, dest)
	require.True(t, out.Success, "outcome error: %v", out.Err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestJobCoordinator_ProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := newCoordinator(transport.NewHTTPTransport(transport.Options{}), storage.NewFileStorage(), nil)
	_, err := c.Probe(context.Background(), server.URL, filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, errpkg.KindHTTPStatus, errpkg.KindOf(err))
}

func TestJobCoordinator_PlanErrorIsUnknownKind(t *testing.T) {
	data := testData(2 * mib)
	server := rangeServer(t, data, `"v1"`)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	opts := testOptions()
	opts.SegmentSize = 0
	c := NewJobCoordinator(Deps{
		Transport: transport.NewHTTPTransport(transport.Options{}),
		Files:     storage.NewFileStorage(),
	}, opts, newTestLogger())

	out := probeAndRun(t, context.Background(), c, server.URL, dest)
	require.False(t, out.Success)
	assert.ErrorIs(t, out.Err, planner.ErrInvalidSegmentSize)
	assert.Equal(t, errpkg.KindUnknown.String(), out.Kind)
}

func TestTerminalError(t *testing.T) {
	segErr := &errpkg.SegmentError{Kind: errpkg.KindRangeMismatch, Err: errpkg.ErrRangeMismatch}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, segErr, terminalError(cancelled, segErr, context.Canceled))
	assert.Equal(t, errpkg.KindCancelled, errpkg.KindOf(terminalError(cancelled, nil, context.Canceled)))

	runErr := errpkg.NewDiskError("open", "f", syscall.EACCES)
	assert.Equal(t, runErr, terminalError(context.Background(), nil, runErr))

	assert.Equal(t, errpkg.KindUnknown, errpkg.KindOf(terminalError(context.Background(), nil, nil)))
}
