package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/gator/internal/domain"
)

func testHeader() RecordHeader {
	return RecordHeader{
		JobID: "job-1",
		Fingerprint: domain.Fingerprint{
			URL:         "http://example.com/a.bin",
			TotalSize:   25 * 1024 * 1024,
			Validator:   "etag:abc",
			SegmentSize: 1024 * 1024,
		},
		Segments: 25,
	}
}

func TestRecordStorage_CreateMarkLoad(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	store := NewRecordStorage(dest, nil)
	defer store.Close()

	assert.Equal(t, dest+".gator", store.Path())

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, store.Create(testHeader()))
	for _, id := range []int{3, 0, 7} {
		require.NoError(t, store.MarkDone(id))
	}

	rec, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, testHeader().Fingerprint, rec.Header.Fingerprint)
	assert.Equal(t, 25, rec.Header.Segments)
	assert.Equal(t, 1, rec.Header.Version)
	assert.Len(t, rec.Done, 3)
	assert.True(t, rec.IsDone(0))
	assert.True(t, rec.IsDone(7))
	assert.False(t, rec.IsDone(1))
}

func TestRecordStorage_CreateReplacesExisting(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	store := NewRecordStorage(dest, nil)
	defer store.Close()

	require.NoError(t, store.Create(testHeader()))
	require.NoError(t, store.MarkDone(1))

	require.NoError(t, store.Create(testHeader()))
	require.NoError(t, store.MarkDone(2))

	rec, err := store.Load()
	require.NoError(t, err)
	assert.False(t, rec.IsDone(1))
	assert.True(t, rec.IsDone(2))
}

func TestRecordStorage_ResumeAppendsAcrossInstances(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")

	first := NewRecordStorage(dest, nil)
	require.NoError(t, first.Create(testHeader()))
	require.NoError(t, first.MarkDone(0))
	require.NoError(t, first.Close())

	second := NewRecordStorage(dest, nil)
	defer second.Close()
	require.NoError(t, second.MarkDone(1))

	rec, err := second.Load()
	require.NoError(t, err)
	assert.Len(t, rec.Done, 2)
}

func TestRecordStorage_TornLineIgnored(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	store := NewRecordStorage(dest, nil)
	require.NoError(t, store.Create(testHeader()))
	require.NoError(t, store.MarkDone(4))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("1")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, rec.Done, 1)
	assert.True(t, rec.IsDone(4))
}

func TestRecordStorage_CorruptHeader(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(RecordPath(dest), []byte("not json\n1\n"), 0o644))

	_, err := NewRecordStorage(dest, nil).Load()
	assert.ErrorIs(t, err, ErrRecordCorrupt)
}

func TestRecordStorage_Delete(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.bin")
	store := NewRecordStorage(dest, nil)

	require.NoError(t, store.Delete())

	require.NoError(t, store.Create(testHeader()))
	require.NoError(t, store.MarkDone(0))
	require.NoError(t, store.Delete())

	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}
