package service

import (
	"time"

	"github.com/veranemoloko/gator/internal/domain"
)

// Snapshot is a point-in-time view of the current job.
type Snapshot struct {
	JobID     string          `json:"job_id"`
	URL       string          `json:"url"`
	Dest      string          `json:"dest"`
	State     domain.JobState `json:"state"`
	TotalSize int64           `json:"total_size"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	Segments int `json:"segments"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Resumed  int `json:"resumed"`

	// BytesDone counts resumed and completed segments; BytesWritten counts
	// bytes written by this run only.
	BytesDone    int64 `json:"bytes_done"`
	BytesWritten int64 `json:"bytes_written"`

	Error string `json:"error,omitempty"`
}

// Snapshot returns the state of the most recent job.
func (c *JobCoordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *JobCoordinator) reset(job domain.DownloadJob, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{
		JobID:     job.ID.String(),
		URL:       job.URL,
		Dest:      job.Dest,
		TotalSize: job.TotalSize,
		StartedAt: started,
		UpdatedAt: started,
	}
}

func (c *JobCoordinator) setState(state domain.JobState, errMsg string) {
	c.update(func(s *Snapshot) {
		s.State = state
		s.Error = errMsg
	})
	c.logger.Debug("job state changed", "job_id", c.Snapshot().JobID, "state", state)
}

func (c *JobCoordinator) update(fn func(s *Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
	c.snap.UpdatedAt = time.Now()
}
