package repository

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/veranemoloko/gator/internal/domain"
)

// RecordSuffix is appended to the destination path to name its sidecar.
const RecordSuffix = ".gator"

const recordVersion = 1

var (
	ErrRecordNotFound = errors.New("completion record not found")
	ErrRecordCorrupt  = errors.New("completion record is corrupt")
)

// RecordHeader is the first line of a sidecar file.
type RecordHeader struct {
	Version     int                `json:"version"`
	JobID       string             `json:"job_id"`
	Fingerprint domain.Fingerprint `json:"fingerprint"`
	Segments    int                `json:"segments"`
	CreatedAt   time.Time          `json:"created_at"`
}

// CompletionRecord is the persisted set of segments known to be Done.
type CompletionRecord struct {
	Header RecordHeader
	Done   map[int]struct{}
}

// IsDone reports whether segment id was recorded as complete.
func (r *CompletionRecord) IsDone(id int) bool {
	_, ok := r.Done[id]
	return ok
}

// RecordPath returns the sidecar path for an output file.
func RecordPath(dest string) string {
	return dest + RecordSuffix
}

// RecordStorage keeps a CompletionRecord in a sidecar file next to the
// output. The header is written atomically; completed segment ids are then
// appended one per line and synced, so an interruption at any point leaves
// an accurate list of finished work.
type RecordStorage struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// NewRecordStorage returns the record store for the output file dest.
func NewRecordStorage(dest string, logger *slog.Logger) *RecordStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStorage{
		path:   filepath.Clean(RecordPath(dest)),
		logger: logger,
	}
}

// Path returns the sidecar file path.
func (s *RecordStorage) Path() string {
	return s.path
}

// Load reads the record. A trailing line without a newline comes from an
// interrupted append and is ignored.
func (s *RecordStorage) Load() (*CompletionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read completion record: %w", err)
	}

	headerLine, rest, _ := bytes.Cut(data, []byte("\n"))

	var header RecordHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}
	if header.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrRecordCorrupt, header.Version)
	}

	record := &CompletionRecord{
		Header: header,
		Done:   make(map[int]struct{}),
	}

	// Only newline-terminated ids were fully appended.
	if i := bytes.LastIndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i+1]
	} else {
		rest = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(rest))
	for scanner.Scan() {
		id, err := strconv.Atoi(string(bytes.TrimSpace(scanner.Bytes())))
		if err != nil || id < 0 {
			continue
		}
		record.Done[id] = struct{}{}
	}

	s.logger.Debug("completion record loaded", "file_path", s.path, "done_count", len(record.Done))
	return record, nil
}

// Create replaces any existing record with a fresh one holding only header.
func (s *RecordStorage) Create(header RecordHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		return err
	}

	header.Version = recordVersion
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal record header: %w", err)
	}
	data = append(data, '\n')

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	s.logger.Debug("completion record created", "file_path", s.path, "segments", header.Segments)
	return nil
}

// MarkDone appends segmentID to the record and syncs it to disk.
func (s *RecordStorage) MarkDone(segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open completion record: %w", err)
		}
		s.file = f
	}

	if _, err := s.file.WriteString(strconv.Itoa(segmentID) + "\n"); err != nil {
		return fmt.Errorf("failed to append segment %d: %w", segmentID, err)
	}

	return s.file.Sync()
}

// Delete removes the record. A missing record is not an error.
func (s *RecordStorage) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		return err
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove completion record: %w", err)
	}

	s.logger.Debug("completion record removed", "file_path", s.path)
	return nil
}

// Close releases the append handle.
func (s *RecordStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *RecordStorage) closeLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
