package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// WAL operation kinds.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// walTimeLayout prefixes every entry file name. It is fixed width, so file
// name order is chronological order.
const walTimeLayout = "20060102T150405.000000000Z"

// WALEntry is one logged mutation. Entries are never rewritten after append.
type WALEntry struct {
	OperationID   string        `json:"operation_id"`
	Operation     string        `json:"operation"`
	Collection    string        `json:"collection"`
	RecordID      string        `json:"record_id"`
	PreviousState engine.Record `json:"previous_state"`
	NewState      engine.Record `json:"new_state"`
	Timestamp     string        `json:"timestamp"`
}

// WAL is the write-ahead log: one directory, one file per entry.
//
// File name format:
//
//	<timestamp>-<seq>_<operation>_<collection>_<record id>.json
//
// The sequence number breaks ties between entries appended within the same
// clock tick.
type WAL struct {
	dir    string
	mu     sync.Mutex
	seq    uint64
	now    func() time.Time
	logger zerolog.Logger
}

// NewWAL opens (creating if needed) the log directory.
func NewWAL(dir string, logger zerolog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	return &WAL{
		dir:    dir,
		now:    time.Now,
		logger: logger.With().Str("component", "wal").Logger(),
	}, nil
}

// Dir returns the log directory.
func (w *WAL) Dir() string { return w.dir }

// Append writes one entry synchronously and returns its operation id. The
// caller must not mutate the record file until Append returns.
func (w *WAL) Append(operation, collection, recordID string, previous, next engine.Record) (string, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	ts := w.now().UTC()
	w.mu.Unlock()

	entry := WALEntry{
		OperationID:   uuid.New().String(),
		Operation:     operation,
		Collection:    collection,
		RecordID:      recordID,
		PreviousState: previous,
		NewState:      next,
		Timestamp:     engine.FormatTimestamp(ts),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("wal: encoding entry: %w", err)
	}

	name := fmt.Sprintf("%s-%06d_%s_%s_%s.json", ts.Format(walTimeLayout), seq, operation, collection, safeName(recordID))
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("wal: creating entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("wal: writing entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("wal: syncing entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("wal: closing entry: %w", err)
	}

	w.logger.Debug().
		Str("operation_id", entry.OperationID).
		Str("operation", operation).
		Str("collection", collection).
		Str("record_id", recordID).
		Msg("wal entry appended")
	return entry.OperationID, nil
}

// ReadAll returns every entry in file name order. Unreadable entries are
// skipped with a warning.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: reading directory: %w", err)
	}
	entries := make([]WALEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, f.Name()))
		if err != nil {
			w.logger.Warn().Err(err).Str("file", f.Name()).Msg("skipping unreadable wal entry")
			continue
		}
		var entry WALEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			w.logger.Warn().Err(err).Str("file", f.Name()).Msg("skipping corrupt wal entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Prune deletes entries older than retention and returns how many were removed.
// Failures are logged, never returned.
func (w *WAL) Prune(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	files, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error().Err(err).Msg("wal prune: reading directory")
		return 0
	}
	cutoff := w.now().UTC().Add(-retention)
	removed := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		ts, ok := entryTime(f)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, f.Name())); err != nil {
			w.logger.Warn().Err(err).Str("file", f.Name()).Msg("wal prune: removing entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info().Int("removed", removed).Dur("retention", retention).Msg("wal pruned")
	}
	return removed
}

// entryTime reads an entry's time from its file name, falling back to the
// file's modification time.
func entryTime(f os.DirEntry) (time.Time, bool) {
	if i := strings.IndexByte(f.Name(), '-'); i > 0 {
		if ts, err := time.Parse(walTimeLayout, f.Name()[:i]); err == nil {
			return ts, true
		}
	}
	info, err := f.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// safeName replaces characters that cannot appear in a file name component.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '_', ':', ' ':
			return '-'
		}
		return r
	}, s)
}
