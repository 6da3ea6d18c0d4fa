package domain

import "time"

// JobState is the coordinator's position in the job lifecycle.
type JobState string

const (
	JobPlanning      JobState = "planning"
	JobResuming      JobState = "resuming"
	JobPreallocating JobState = "preallocating"
	JobDownloading   JobState = "downloading"
	JobFinalizing    JobState = "finalizing"
	JobSucceeded     JobState = "succeeded"
	JobFailed        JobState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobOutcome is the single terminal result of one job run.
type JobOutcome struct {
	JobID   string
	Success bool

	// Kind and Err are set on failure. Kind is the string form of the
	// terminating error kind.
	Kind string
	Err  error

	// Incomplete lists the ids of segments that did not reach Done, sorted.
	Incomplete []int

	TotalSegments   int
	ResumedSegments int
	FetchedSegments int
	BytesWritten    int64
	Duration        time.Duration
}

// ProgressEvent is one delta delivered to a progress sink.
type ProgressEvent struct {
	Bytes     int64 `json:"bytes"`
	SegmentID int   `json:"segment_id"`
	Terminal  bool  `json:"terminal"`
}
