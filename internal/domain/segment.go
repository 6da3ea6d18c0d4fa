package domain

import "fmt"

// SegmentState represents the lifecycle position of a single Segment.
type SegmentState int32

const (
	SegmentPending SegmentState = iota
	SegmentInFlight
	SegmentDone
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInFlight:
		return "in_flight"
	case SegmentDone:
		return "done"
	case SegmentFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CanTransition reports whether moving from s to next keeps the state
// machine monotonic. Pending may jump straight to Done when a completion
// record from a previous run already covers the segment. Failed is only
// reached once the segment's retry budget is spent.
func (s SegmentState) CanTransition(next SegmentState) bool {
	switch s {
	case SegmentPending:
		return next == SegmentInFlight || next == SegmentDone
	case SegmentInFlight:
		return next == SegmentDone || next == SegmentFailed
	default:
		return false
	}
}

// Segment is a contiguous, inclusive byte range of the remote resource.
// End is -1 when the resource length is unknown and the segment is read
// until the body ends.
type Segment struct {
	ID    int          `json:"id"`
	Start int64        `json:"start"`
	End   int64        `json:"end"`
	State SegmentState `json:"state"`
}

// Bounded reports whether the segment has a known end offset.
func (s Segment) Bounded() bool {
	return s.End >= s.Start
}

// Len returns the number of bytes covered by the segment, or -1 if unbounded.
func (s Segment) Len() int64 {
	if !s.Bounded() {
		return -1
	}
	return s.End - s.Start + 1
}

func (s Segment) String() string {
	return fmt.Sprintf("segment %d [%d-%d]", s.ID, s.Start, s.End)
}
