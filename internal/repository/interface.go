package repository

// RecordRepo defines the storage operations for a CompletionRecord.
type RecordRepo interface {
	Load() (*CompletionRecord, error)
	Create(header RecordHeader) error
	MarkDone(segmentID int) error
	Delete() error
	Close() error
}
