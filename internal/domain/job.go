package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnknownSize marks a resource whose length the server did not report.
const UnknownSize int64 = -1

// RemoteInfo is what a capability probe learns about the source.
type RemoteInfo struct {
	Status        int
	Size          int64
	AcceptsRanges bool
	ETag          string
	LastModified  time.Time
	ContentType   string
}

// Validator returns the strongest change detector the server provided.
func (i RemoteInfo) Validator() string {
	if i.ETag != "" {
		return "etag:" + i.ETag
	}
	if !i.LastModified.IsZero() {
		return "last-modified:" + i.LastModified.UTC().Format(time.RFC3339)
	}
	return ""
}

// DownloadJob describes one download. It is built once from a probe and
// never mutated afterwards.
type DownloadJob struct {
	ID              uuid.UUID
	URL             string
	Dest            string
	TotalSize       int64
	RangesSupported bool
	SegmentSize     int64
	Validator       string
	ContentType     string
}

// NewDownloadJob builds a job from the probe result.
func NewDownloadJob(url, dest string, info RemoteInfo, segmentSize int64) DownloadJob {
	return DownloadJob{
		ID:              uuid.New(),
		URL:             url,
		Dest:            dest,
		TotalSize:       info.Size,
		RangesSupported: info.AcceptsRanges,
		SegmentSize:     segmentSize,
		Validator:       info.Validator(),
		ContentType:     info.ContentType,
	}
}

// SizeKnown reports whether the server advertised the resource length.
func (j DownloadJob) SizeKnown() bool {
	return j.TotalSize >= 0
}

// Fingerprint identifies the remote content and the plan laid over it.
func (j DownloadJob) Fingerprint() Fingerprint {
	return Fingerprint{
		URL:         j.URL,
		TotalSize:   j.TotalSize,
		Validator:   j.Validator,
		SegmentSize: j.SegmentSize,
	}
}

// Fingerprint ties a CompletionRecord to one version of a remote resource
// and one segmentation of it.
type Fingerprint struct {
	URL         string `json:"url"`
	TotalSize   int64  `json:"total_size"`
	Validator   string `json:"validator,omitempty"`
	SegmentSize int64  `json:"segment_size"`
}

// Matches reports whether two fingerprints describe the same content and plan.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f == other
}

// Diff describes the first field that differs, for logging.
func (f Fingerprint) Diff(other Fingerprint) string {
	switch {
	case f.URL != other.URL:
		return "url changed"
	case f.TotalSize != other.TotalSize:
		return fmt.Sprintf("size changed: %d -> %d", other.TotalSize, f.TotalSize)
	case f.Validator != other.Validator:
		return fmt.Sprintf("validator changed: %q -> %q", other.Validator, f.Validator)
	case f.SegmentSize != other.SegmentSize:
		return fmt.Sprintf("segment size changed: %d -> %d", other.SegmentSize, f.SegmentSize)
	default:
		return ""
	}
}
