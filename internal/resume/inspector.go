// Package resume decides which segments of a plan are already on disk.
package resume

import (
	"errors"
	"fmt"
	"os"

	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
	"github.com/veranemoloko/gator/internal/repository"
)

// RecordLoader reads a previously persisted CompletionRecord.
type RecordLoader interface {
	Load() (*repository.CompletionRecord, error)
}

// Reasons a job starts fresh.
const (
	ReasonUnknownSize   = "resource size unknown"
	ReasonNoFile        = "destination does not exist"
	ReasonSizeMismatch  = "destination size differs from resource size"
	ReasonNoRecord      = "no completion record"
	ReasonCorruptRecord = "completion record unreadable"
	ReasonCountMismatch = "segment count changed"
)

// Result is the plan annotated with prior progress.
type Result struct {
	// All is the full plan; segments recorded as finished are Done.
	All []domain.Segment
	// Remaining holds the Pending segments in plan order.
	Remaining []domain.Segment
	// Fresh is true when nothing from a previous run can be trusted.
	Fresh  bool
	Reason string
}

// Resumed returns the number of segments satisfied by a previous run.
func (r Result) Resumed() int {
	return len(r.All) - len(r.Remaining)
}

// Inspect compares the destination file and its completion record with a
// newly computed plan. Any disagreement yields a fresh result; only I/O
// failures other than a missing file are returned as errors.
func Inspect(dest string, plan []domain.Segment, fp domain.Fingerprint, records RecordLoader) (Result, error) {
	all := make([]domain.Segment, len(plan))
	for i, seg := range plan {
		seg.State = domain.SegmentPending
		all[i] = seg
	}

	fresh := func(reason string) (Result, error) {
		return Result{All: all, Remaining: all, Fresh: true, Reason: reason}, nil
	}

	if fp.TotalSize < 0 {
		return fresh(ReasonUnknownSize)
	}

	info, err := os.Stat(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fresh(ReasonNoFile)
		}
		return Result{}, errpkg.NewDiskError("stat", dest, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, errpkg.NewDiskError("stat", dest, fmt.Errorf("not a regular file"))
	}
	if info.Size() != fp.TotalSize {
		return fresh(ReasonSizeMismatch)
	}

	record, err := records.Load()
	switch {
	case errors.Is(err, repository.ErrRecordNotFound):
		return fresh(ReasonNoRecord)
	case errors.Is(err, repository.ErrRecordCorrupt):
		return fresh(ReasonCorruptRecord)
	case err != nil:
		return Result{}, err
	}

	if !record.Header.Fingerprint.Matches(fp) {
		return fresh(fmt.Sprintf("%v: %s", errpkg.ErrFingerprintMismatch, fp.Diff(record.Header.Fingerprint)))
	}
	if record.Header.Segments != len(plan) {
		return fresh(ReasonCountMismatch)
	}

	remaining := make([]domain.Segment, 0, len(all))
	for i := range all {
		if record.IsDone(all[i].ID) {
			all[i].State = domain.SegmentDone
			continue
		}
		remaining = append(remaining, all[i])
	}

	return Result{All: all, Remaining: remaining}, nil
}
