package domain

import (
	"time"
)

// SegmentCounts groups segments by state.
type SegmentCounts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Resumed  int `json:"resumed"`
}

// StatusResponse represents the response returned by the status endpoint.
type StatusResponse struct {
	JobID     string        `json:"job_id"`
	URL       string        `json:"url"`
	Dest      string        `json:"dest"`
	State     JobState      `json:"state"`
	Segments  SegmentCounts `json:"segments"`
	TotalSize int64         `json:"total_size"`
	BytesDone int64         `json:"bytes_done"`
	// Percent is omitted when the total size is unknown.
	Percent      *float64  `json:"percent,omitempty"`
	HumanTotal   string    `json:"human_total"`
	HumanDone    string    `json:"human_done"`
	BytesWritten int64     `json:"bytes_written"`
	Elapsed      string    `json:"elapsed"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Error        string    `json:"error,omitempty"`
}
