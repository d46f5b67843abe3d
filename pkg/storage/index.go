package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// idSet is the set of record ids holding one field value.
type idSet map[string]struct{}

// fieldIndex maps a stringified value to the ids holding it.
type fieldIndex map[string]idSet

type collectionIndex struct {
	fields map[string]fieldIndex
	count  int
	lastID string
}

func newCollectionIndex(fields []string) *collectionIndex {
	ci := &collectionIndex{fields: make(map[string]fieldIndex, len(fields))}
	for _, f := range fields {
		ci.fields[f] = fieldIndex{}
	}
	return ci
}

func (ci *collectionIndex) add(rec engine.Record) {
	id := rec.ID()
	for field, idx := range ci.fields {
		key := engine.Stringify(rec[field])
		ids, ok := idx[key]
		if !ok {
			ids = idSet{}
			idx[key] = ids
		}
		ids[id] = struct{}{}
	}
}

func (ci *collectionIndex) remove(rec engine.Record) {
	id := rec.ID()
	for field, idx := range ci.fields {
		key := engine.Stringify(rec[field])
		if ids, ok := idx[key]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(idx, key)
			}
		}
	}
}

// IndexSnapshot is the persisted form of one collection's indexes.
type IndexSnapshot struct {
	Count   int                            `json:"count"`
	LastID  string                         `json:"last_id"`
	Indexes map[string]map[string][]string `json:"indexes"`
}

func (ci *collectionIndex) snapshot() IndexSnapshot {
	out := IndexSnapshot{Count: ci.count, LastID: ci.lastID, Indexes: make(map[string]map[string][]string, len(ci.fields))}
	for field, idx := range ci.fields {
		values := make(map[string][]string, len(idx))
		for key, ids := range idx {
			list := make([]string, 0, len(ids))
			for id := range ids {
				list = append(list, id)
			}
			sort.Strings(list)
			values[key] = list
		}
		out.Indexes[field] = values
	}
	return out
}

// IndexManager owns the in-memory equality indexes of every collection of one
// Engine. Write-path updates touch memory only; Persist writes snapshots.
type IndexManager struct {
	mu          sync.RWMutex
	dir         string
	collections map[string]*collectionIndex
	logger      zerolog.Logger
}

// NewIndexManager creates a manager persisting snapshots under dir.
func NewIndexManager(dir string, logger zerolog.Logger) (*IndexManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: failed to create directory: %w", err)
	}
	return &IndexManager{
		dir:         dir,
		collections: make(map[string]*collectionIndex),
		logger:      logger.With().Str("component", "index_manager").Logger(),
	}, nil
}

func (m *IndexManager) snapshotPath(collection string) string {
	return filepath.Join(m.dir, collection+".json")
}

// Build loads the collection's snapshot when its count matches liveCount and it
// covers every field; otherwise it rebuilds from scan. It reports whether the
// snapshot was used.
func (m *IndexManager) Build(collection string, fields []string, liveCount int, scan func() ([]engine.Record, error)) (bool, error) {
	if snap, err := m.loadSnapshot(collection); err == nil {
		if snap.Count == liveCount && coversFields(snap, fields) {
			ci := newCollectionIndex(fields)
			ci.count = snap.Count
			ci.lastID = snap.LastID
			for _, field := range fields {
				for key, ids := range snap.Indexes[field] {
					set := make(idSet, len(ids))
					for _, id := range ids {
						set[id] = struct{}{}
					}
					ci.fields[field][key] = set
				}
			}
			m.mu.Lock()
			m.collections[collection] = ci
			m.mu.Unlock()
			m.logger.Debug().Str("collection", collection).Int("count", snap.Count).Msg("index loaded from snapshot")
			return true, nil
		}
		m.logger.Info().
			Str("collection", collection).
			Int("snapshot_count", snap.Count).
			Int("live_count", liveCount).
			Msg("discarding stale index snapshot")
	} else if !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn().Err(err).Str("collection", collection).Msg("unreadable index snapshot")
	}

	records, err := scan()
	if err != nil {
		return false, err
	}
	m.Rebuild(collection, fields, records)
	return false, nil
}

func coversFields(snap *IndexSnapshot, fields []string) bool {
	for _, f := range fields {
		if _, ok := snap.Indexes[f]; !ok {
			return false
		}
	}
	return true
}

func (m *IndexManager) loadSnapshot(collection string) (*IndexSnapshot, error) {
	data, err := os.ReadFile(m.snapshotPath(collection))
	if err != nil {
		return nil, err
	}
	var snap IndexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding index snapshot: %w", err)
	}
	return &snap, nil
}

// Rebuild replaces the collection's indexes with ones built from records.
func (m *IndexManager) Rebuild(collection string, fields []string, records []engine.Record) {
	ci := newCollectionIndex(fields)
	for _, rec := range records {
		ci.add(rec)
		ci.lastID = rec.ID()
	}
	ci.count = len(records)

	m.mu.Lock()
	m.collections[collection] = ci
	m.mu.Unlock()
	m.logger.Debug().Str("collection", collection).Int("count", ci.count).Msg("index rebuilt from disk")
}

// OnRecordCreated adds rec to the collection's indexes.
func (m *IndexManager) OnRecordCreated(collection string, rec engine.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ci, ok := m.collections[collection]
	if !ok {
		return
	}
	ci.add(rec)
	ci.count++
	ci.lastID = rec.ID()
}

// OnRecordUpdated moves the record's entries from old values to new ones.
func (m *IndexManager) OnRecordUpdated(collection string, old, updated engine.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ci, ok := m.collections[collection]
	if !ok {
		return
	}
	ci.remove(old)
	ci.add(updated)
}

// OnRecordDeleted removes rec from every index.
func (m *IndexManager) OnRecordDeleted(collection string, rec engine.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ci, ok := m.collections[collection]
	if !ok {
		return
	}
	ci.remove(rec)
	if ci.count > 0 {
		ci.count--
	}
}

// Lookup returns the ids whose field equals value. indexed is false when the
// field has no index, in which case the caller must scan; an indexed field
// with no matches returns an empty slice and indexed true.
func (m *IndexManager) Lookup(collection, field string, value interface{}) (ids []string, indexed bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.collections[collection]
	if !ok {
		return nil, false
	}
	idx, ok := ci.fields[field]
	if !ok {
		return nil, false
	}
	set := idx[engine.Stringify(value)]
	ids = make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, true
}

// Snapshot returns a copy of the collection's current indexes.
func (m *IndexManager) Snapshot(collection string) (IndexSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.collections[collection]
	if !ok {
		return IndexSnapshot{}, false
	}
	return ci.snapshot(), true
}

// Persist writes the collection's snapshot file.
func (m *IndexManager) Persist(collection string) error {
	snap, ok := m.Snapshot(collection)
	if !ok {
		return nil
	}
	if err := writeJSONAtomic(m.snapshotPath(collection), snap); err != nil {
		return fmt.Errorf("index: persisting %s: %w", collection, err)
	}
	return nil
}

// PersistAll writes every collection's snapshot. Failures are logged and the
// first one is returned; remaining collections are still attempted.
func (m *IndexManager) PersistAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var first error
	for _, name := range names {
		if err := m.Persist(name); err != nil {
			m.logger.Warn().Err(err).Str("collection", name).Msg("index persistence failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
