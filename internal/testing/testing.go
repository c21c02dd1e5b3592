// package testing contains shared testing utilities
package testing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
)

// BaseDate is the date added of the first record created by [SeedLibrary].
var BaseDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// TestConfig returns the default configuration with delays short enough for tests.
func TestConfig() *shared.Config {
	cfg := shared.DefaultConfig()
	cfg.Analysis.RetryDelayMS = 1
	return cfg
}

// NewStore opens an in-memory database with migrations applied. The database is closed with the test.
func NewStore(t *testing.T, cfg *shared.Config) *repositories.Store {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := shared.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if cfg == nil {
		cfg = TestConfig()
	}
	return repositories.NewStore(db, cfg, shared.NewLogger(io.Discard))
}

// Track describes a record to seed.
type Track struct {
	Title  string
	Artist string
	Plays  int
}

// SeedLibrary imports one record per track, added a day apart, and returns them with their ids.
func SeedLibrary(t *testing.T, store *repositories.Store, tracks ...Track) []models.Record {
	t.Helper()

	records := make([]models.Record, len(tracks))
	for i, tr := range tracks {
		artist := tr.Artist
		if artist == "" {
			artist = "Artist"
		}
		records[i] = models.Record{
			Title:     tr.Title,
			Artist:    artist,
			PlayCount: tr.Plays,
			DateAdded: BaseDate.Add(time.Duration(i) * 24 * time.Hour),
		}
	}

	if _, err := store.Library.Import(context.Background(), records); err != nil {
		t.Fatalf("Failed to seed library: %v", err)
	}
	return records
}

// Distinct returns n tracks whose titles and artists are unrelated hex strings, so none of them group.
func Distinct(prefix string, n int) []Track {
	tracks := make([]Track, n)
	for i := range tracks {
		title := sha256.Sum256(fmt.Appendf(nil, "%s/title/%d", prefix, i))
		artist := sha256.Sum256(fmt.Appendf(nil, "%s/artist/%d", prefix, i))
		tracks[i] = Track{Title: hex.EncodeToString(title[:8]), Artist: hex.EncodeToString(artist[:8]), Plays: i}
	}
	return tracks
}

// Invalidator counts cache invalidations.
type Invalidator struct {
	calls atomic.Int32
}

func (i *Invalidator) InvalidateAll() { i.calls.Add(1) }

// Calls returns how many times InvalidateAll was called.
func (i *Invalidator) Calls() int { return int(i.calls.Load()) }

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// FReader fails on every Read
type FReader struct{}

func (f *FReader) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}
