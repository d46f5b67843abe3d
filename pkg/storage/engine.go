package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// Layout names under the data directory.
const (
	walDirName   = "_wal"
	indexDirName = "_indexes"
	metaFileName = "_meta.json"
	metaVersion  = 1
)

// Default Options values.
const (
	DefaultIndexPersistInterval = 60 * time.Second
	DefaultWALRetention         = 7 * 24 * time.Hour
)

// Options configures an Engine.
type Options struct {
	DataDir              string
	LockTimeout          time.Duration
	LockPollInterval     time.Duration
	IndexPersistInterval time.Duration
	// WALRetention of zero disables pruning.
	WALRetention time.Duration
	Logger       zerolog.Logger
	Observer     Observer
}

// Meta is the body of the data directory's metadata file.
type Meta struct {
	Version     int      `json:"version"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	Collections []string `json:"collections"`
}

// Engine owns every Collection of one data directory. It implements engine.Store.
type Engine struct {
	opts        Options
	collections map[string]*Collection
	wal         *WAL
	locks       *LockManager
	indexes     *IndexManager
	observer    Observer
	logger      zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	shutdown sync.Once
}

var _ engine.Store = (*Engine)(nil)

// Open prepares the data directory, opens one Collection per schema, builds
// their indexes and starts the background persistence loop.
func Open(ctx context.Context, opts Options, schemas []engine.EntitySchema) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, engine.InvalidInput("data_dir", "data directory is required")
	}
	if opts.IndexPersistInterval <= 0 {
		opts.IndexPersistInterval = DefaultIndexPersistInterval
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := opts.Logger.With().Str("component", "storage").Logger()

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create data directory: %w", err)
	}
	wal, err := NewWAL(filepath.Join(opts.DataDir, walDirName), opts.Logger)
	if err != nil {
		return nil, err
	}
	indexes, err := NewIndexManager(filepath.Join(opts.DataDir, indexDirName), opts.Logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:        opts,
		collections: make(map[string]*Collection, len(schemas)),
		wal:         wal,
		locks:       NewLockManager(opts.LockPollInterval),
		indexes:     indexes,
		observer:    opts.Observer,
		logger:      logger,
	}

	validate := validator.New()
	for _, schema := range schemas {
		if err := schema.Validate(); err != nil {
			return nil, engine.InvalidInput("schema", err.Error())
		}
		name := schema.CollectionName()
		if !engine.ValidCollectionName(name) {
			return nil, engine.InvalidInput("schema", fmt.Sprintf("invalid collection name %q", name))
		}
		if _, dup := e.collections[name]; dup {
			return nil, engine.InvalidInput("schema", fmt.Sprintf("collection %s declared twice", name))
		}
		dir := filepath.Join(opts.DataDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: failed to create collection %s: %w", name, err)
		}
		e.collections[name] = &Collection{
			name:        name,
			schema:      schema,
			dir:         dir,
			wal:         wal,
			locks:       e.locks,
			indexes:     indexes,
			lockTimeout: opts.LockTimeout,
			validate:    validate,
			observer:    opts.Observer,
			now:         time.Now,
			logger:      opts.Logger.With().Str("component", "collection").Str("collection", name).Logger(),
		}
	}

	if err := e.writeMeta(); err != nil {
		return nil, err
	}
	for _, name := range e.Collections() {
		if _, err := e.buildIndex(e.collections[name], false); err != nil {
			return nil, err
		}
	}
	e.PruneWAL()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.persistLoop(loopCtx)

	logger.Info().
		Str("data_dir", opts.DataDir).
		Strs("collections", e.Collections()).
		Msg("storage engine opened")
	return e, nil
}

func (e *Engine) writeMeta() error {
	path := filepath.Join(e.opts.DataDir, metaFileName)
	now := engine.FormatTimestamp(time.Now())
	meta := Meta{Version: metaVersion, CreatedAt: now}
	if data, err := os.ReadFile(path); err == nil {
		var prev Meta
		if err := json.Unmarshal(data, &prev); err == nil && prev.CreatedAt != "" {
			meta.CreatedAt = prev.CreatedAt
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: reading metadata: %w", err)
	}
	meta.UpdatedAt = now
	meta.Collections = e.Collections()
	if err := writeJSONAtomic(path, meta); err != nil {
		return fmt.Errorf("storage: writing metadata: %w", err)
	}
	return nil
}

// buildIndex loads or rebuilds one collection's indexes.
func (e *Engine) buildIndex(c *Collection, ignoreSnapshot bool) (bool, error) {
	fields := c.schema.IndexableFields()
	if ignoreSnapshot {
		records, err := c.loadAll()
		if err != nil {
			return false, err
		}
		e.indexes.Rebuild(c.name, fields, records)
		return false, nil
	}
	count, err := c.Count()
	if err != nil {
		return false, err
	}
	return e.indexes.Build(c.name, fields, count, c.loadAll)
}

func (e *Engine) persistLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.IndexPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.PersistIndexes()
			e.PruneWAL()
		}
	}
}

// Collections returns the collection names in sorted order.
func (e *Engine) Collections() []string {
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collection returns the named collection or a not_found error listing the
// known names.
func (e *Engine) Collection(name string) (*Collection, error) {
	c, ok := e.collections[name]
	if !ok {
		known := e.Collections()
		return nil, engine.NotFound(name, fmt.Sprintf("unknown collection %q (known: %s)", name, strings.Join(known, ", "))).
			WithDetail("available", known)
	}
	return c, nil
}

// Create implements engine.Store.
func (e *Engine) Create(ctx context.Context, collection string, data engine.Record) (engine.Record, error) {
	c, err := e.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, data)
}

// Read implements engine.Store.
func (e *Engine) Read(ctx context.Context, collection, id string) (engine.Record, bool, error) {
	c, err := e.Collection(collection)
	if err != nil {
		return nil, false, err
	}
	return c.Read(ctx, id)
}

// List implements engine.Store.
func (e *Engine) List(ctx context.Context, collection string, q engine.Query) (*engine.Page, error) {
	c, err := e.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, q)
}

// Update implements engine.Store.
func (e *Engine) Update(ctx context.Context, collection, id string, data engine.Record) (engine.Record, error) {
	c, err := e.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.Update(ctx, id, data)
}

// Delete implements engine.Store.
func (e *Engine) Delete(ctx context.Context, collection, id string) (engine.Record, error) {
	c, err := e.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.Delete(ctx, id)
}

// WithCollectionLock runs fn holding the collection's write lock. Writes fn
// issues through the passed context re-enter the lock, so a read-modify-write
// sequence is serialized against other writers.
func (e *Engine) WithCollectionLock(ctx context.Context, collection string, fn func(ctx context.Context) error) error {
	c, err := e.Collection(collection)
	if err != nil {
		return err
	}
	if _, ok := ctx.Value(lockOwnerKey{}).(string); !ok {
		ctx = WithLockOwner(ctx, lockOwnerFrom(ctx))
	}
	return c.withLock(ctx, func() error { return fn(ctx) })
}

// RebuildIndexes rebuilds the named collections' indexes from the record files,
// ignoring snapshots. No names means every collection.
func (e *Engine) RebuildIndexes(names ...string) error {
	if len(names) == 0 {
		names = e.Collections()
	}
	for _, name := range names {
		c, err := e.Collection(name)
		if err != nil {
			return err
		}
		if _, err := e.buildIndex(c, true); err != nil {
			return err
		}
	}
	return nil
}

// IndexSnapshot returns the live in-memory indexes of a collection.
func (e *Engine) IndexSnapshot(collection string) (IndexSnapshot, error) {
	if _, err := e.Collection(collection); err != nil {
		return IndexSnapshot{}, err
	}
	snap, _ := e.indexes.Snapshot(collection)
	return snap, nil
}

// WAL returns the engine's write-ahead log.
func (e *Engine) WAL() *WAL { return e.wal }

// PersistIndexes writes every index snapshot. Failures are logged by the
// index manager; the first is returned for callers that care.
func (e *Engine) PersistIndexes() error {
	start := time.Now()
	err := e.indexes.PersistAll()
	e.observer.ObserveIndexPersist(err == nil, time.Since(start))
	return err
}

// PruneWAL removes log entries older than the configured retention.
func (e *Engine) PruneWAL() int {
	return e.wal.Prune(e.opts.WALRetention)
}

// Shutdown stops the persistence loop and persists indexes one final time.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdown.Do(func() {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		if perr := e.PersistIndexes(); perr != nil {
			e.logger.Warn().Err(perr).Msg("final index persistence failed")
		}
		e.logger.Info().Msg("storage engine shut down")
	})
	return err
}
