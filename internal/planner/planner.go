// Package planner splits a remote resource into byte-range segments.
package planner

import (
	"errors"
	"fmt"

	"github.com/veranemoloko/gator/internal/domain"
)

// Options controls how a resource is segmented.
type Options struct {
	SegmentSize        int64
	SmallFileThreshold int64
}

var ErrInvalidSegmentSize = errors.New("planner: segment size must be positive")

// Plan returns the ordered segments covering [0, totalSize).
//
// A single segment is produced when the size is unknown, ranges are not
// supported, or the resource is smaller than the threshold. An unknown size
// yields one unbounded segment (End = -1).
func Plan(totalSize int64, rangesSupported bool, opts Options) ([]domain.Segment, error) {
	if opts.SegmentSize <= 0 {
		return nil, ErrInvalidSegmentSize
	}

	if totalSize < 0 {
		return []domain.Segment{{ID: 0, Start: 0, End: -1}}, nil
	}

	if !rangesSupported || totalSize < opts.SmallFileThreshold {
		return []domain.Segment{{ID: 0, Start: 0, End: totalSize - 1}}, nil
	}

	count := (totalSize + opts.SegmentSize - 1) / opts.SegmentSize
	segments := make([]domain.Segment, 0, count)

	for i := int64(0); i < count; i++ {
		start := i * opts.SegmentSize
		end := min(start+opts.SegmentSize, totalSize) - 1

		segments = append(segments, domain.Segment{
			ID:    int(i),
			Start: start,
			End:   end,
			State: domain.SegmentPending,
		})
	}

	return segments, nil
}

// Validate checks that segments tile [0, totalSize) exactly, in id order.
func Validate(segments []domain.Segment, totalSize int64) error {
	if len(segments) == 0 {
		return errors.New("planner: empty plan")
	}

	if totalSize < 0 {
		if len(segments) != 1 || segments[0].Start != 0 || segments[0].Bounded() {
			return errors.New("planner: unknown size requires one unbounded segment")
		}
		return nil
	}

	var next int64
	for i, s := range segments {
		if s.ID != i {
			return fmt.Errorf("planner: segment at index %d has id %d", i, s.ID)
		}
		if s.Start != next {
			return fmt.Errorf("planner: %s starts at %d, want %d", s, s.Start, next)
		}
		if s.End < s.Start-1 {
			return fmt.Errorf("planner: %s has negative length", s)
		}
		next = s.End + 1
	}

	if next != totalSize {
		return fmt.Errorf("planner: plan covers %d bytes, want %d", next, totalSize)
	}
	return nil
}
