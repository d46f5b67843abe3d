package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

type lockOwnerKey struct{}

// WithLockOwner returns a context whose collection operations acquire locks as
// owner. Operations sharing an owner re-enter each other's locks.
func WithLockOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, lockOwnerKey{}, owner)
}

func lockOwnerFrom(ctx context.Context) string {
	if owner, ok := ctx.Value(lockOwnerKey{}).(string); ok && owner != "" {
		return owner
	}
	return uuid.New().String()
}

// Collection owns the record files of one entity. It is the only code that
// touches them.
type Collection struct {
	name        string
	schema      engine.EntitySchema
	dir         string
	wal         *WAL
	locks       *LockManager
	indexes     *IndexManager
	lockTimeout time.Duration
	validate    *validator.Validate
	observer    Observer
	now         func() time.Time
	logger      zerolog.Logger
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Schema returns the entity declaration backing the collection.
func (c *Collection) Schema() engine.EntitySchema { return c.schema }

func (c *Collection) recordPath(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func validRecordID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.HasPrefix(id, ".") && !strings.ContainsAny(id, `/\`)
}

// withLock runs fn while holding the collection's write lock.
func (c *Collection) withLock(ctx context.Context, fn func() error) error {
	owner := lockOwnerFrom(ctx)
	start := time.Now()
	err := c.locks.Acquire(ctx, c.name, owner, c.lockTimeout)
	c.observer.ObserveLockWait(c.name, time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn().Err(err).Dur("waited", time.Since(start)).Msg("collection lock not acquired")
		return err
	}
	defer func() {
		if err := c.locks.Release(c.name, owner); err != nil {
			c.logger.Error().Err(err).Msg("collection lock release failed")
		}
	}()
	return fn()
}

func (c *Collection) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = engine.CodeOf(err)
	}
	c.observer.ObserveStorageOp(c.name, op, status, time.Since(start))
}

// Create inserts a new record built from data and returns it as a read would.
func (c *Collection) Create(ctx context.Context, data engine.Record) (rec engine.Record, err error) {
	start := time.Now()
	defer func() { c.observe(OpCreate, start, err) }()

	err = c.withLock(ctx, func() error {
		now := engine.FormatTimestamp(c.now())
		built, err := c.buildNew(data, now)
		if err != nil {
			return err
		}
		if err := c.checkUnique(built, ""); err != nil {
			return err
		}
		opID, err := c.wal.Append(OpCreate, c.name, built.ID(), nil, built)
		if err != nil {
			return engine.Internal("write-ahead log append failed", err).WithResource(c.name)
		}
		if err := writeJSONAtomic(c.recordPath(built.ID()), built); err != nil {
			return engine.Internal("record write failed", err).WithResource(c.name)
		}
		c.indexes.OnRecordCreated(c.name, c.evolve(built))
		c.logger.Debug().Str("record_id", built.ID()).Str("operation_id", opID).Msg("record created")
		rec = c.evolve(built)
		return nil
	})
	return rec, err
}

// buildNew assembles a full record: kept payload fields, auto values and
// defaults, validation, then the system fields.
func (c *Collection) buildNew(data engine.Record, now string) (engine.Record, error) {
	rec := c.keepFields(data, false)
	for _, f := range c.schema.Fields {
		if v, ok := rec[f.Name]; !ok || v == nil {
			switch {
			case f.Auto == engine.AutoUUID:
				rec[f.Name] = uuid.New().String()
			case f.Auto == engine.AutoTimestamp:
				rec[f.Name] = now
			case f.Default != nil:
				rec[f.Name] = f.Default
			}
		}
		if err := c.checkField(f, rec[f.Name]); err != nil {
			return nil, err
		}
	}
	rec[engine.FieldID] = uuid.New().String()
	rec[engine.FieldCreatedAt] = now
	rec[engine.FieldUpdatedAt] = now
	rec[engine.FieldVersion] = int64(1)
	return normalize(rec)
}

// keepFields copies the payload fields a caller may set. System fields are
// always dropped; undeclared fields are dropped unless the entity is
// schemaless; immutable fields are dropped on update.
func (c *Collection) keepFields(data engine.Record, update bool) engine.Record {
	out := make(engine.Record, len(data))
	for k, v := range data {
		if engine.IsSystemField(k) {
			continue
		}
		if !c.schema.Schemaless() {
			f, declared := c.schema.Field(k)
			if !declared || (update && f.Immutable) {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Read loads a record by id. A missing record is found=false, not an error.
func (c *Collection) Read(_ context.Context, id string) (engine.Record, bool, error) {
	start := time.Now()
	raw, found, err := c.readRaw(id)
	c.observe("read", start, err)
	if err != nil || !found {
		return nil, false, err
	}
	return c.evolve(raw), true, nil
}

// List returns one page of records matching every filter. The first filter
// field with an index narrows the candidates; all filters are then applied to
// those candidates, so unindexed filters fall back to a scan.
func (c *Collection) List(_ context.Context, q engine.Query) (page *engine.Page, err error) {
	start := time.Now()
	defer func() { c.observe("list", start, err) }()

	q = q.Normalized()
	candidates, err := c.candidates(q.Filters)
	if err != nil {
		return nil, err
	}

	matched := candidates[:0]
	for _, rec := range candidates {
		if matchesFilters(rec, q.Filters) {
			matched = append(matched, rec)
		}
	}
	sortRecords(matched, q.SortBy, q.SortOrder)

	total := len(matched)
	from := q.Offset
	if from > total {
		from = total
	}
	to := from + q.Limit
	if to > total {
		to = total
	}
	data := make([]engine.Record, to-from)
	copy(data, matched[from:to])
	return &engine.Page{
		Data: data,
		Pagination: engine.Pagination{
			Total:   total,
			Limit:   q.Limit,
			Offset:  q.Offset,
			HasMore: to < total,
		},
	}, nil
}

func (c *Collection) candidates(filters map[string]interface{}) ([]engine.Record, error) {
	if len(filters) > 0 {
		fields := make([]string, 0, len(filters))
		for f := range filters {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			ids, indexed := c.indexes.Lookup(c.name, f, filters[f])
			if !indexed {
				continue
			}
			out := make([]engine.Record, 0, len(ids))
			for _, id := range ids {
				raw, found, err := c.readRaw(id)
				if err != nil {
					return nil, err
				}
				// A concurrent delete may have removed it since the lookup.
				if found {
					out = append(out, c.evolve(raw))
				}
			}
			return out, nil
		}
	}
	return c.loadAll()
}

func matchesFilters(rec engine.Record, filters map[string]interface{}) bool {
	for field, want := range filters {
		if !engine.ValuesEqual(rec[field], want) {
			return false
		}
	}
	return true
}

// Update merges data over the stored record and returns the post-image.
func (c *Collection) Update(ctx context.Context, id string, data engine.Record) (rec engine.Record, err error) {
	start := time.Now()
	defer func() { c.observe(OpUpdate, start, err) }()

	err = c.withLock(ctx, func() error {
		raw, found, err := c.readRaw(id)
		if err != nil {
			return err
		}
		if !found {
			return engine.NotFound(c.name, fmt.Sprintf("%s %s not found", c.name, id)).WithDetail("id", id)
		}

		now := c.now()
		changes := c.keepFields(data, true)
		merged := raw.Clone()
		for k, v := range changes {
			merged[k] = v
		}
		for _, f := range c.schema.Fields {
			if f.Auto == engine.AutoTimestamp && !f.Immutable {
				merged[f.Name] = engine.FormatTimestamp(now)
			}
			if _, touched := changes[f.Name]; touched {
				if err := c.checkField(f, merged[f.Name]); err != nil {
					return err
				}
			}
		}
		merged[engine.FieldUpdatedAt] = nonDecreasing(raw, now)
		merged[engine.FieldVersion] = raw.Version() + 1
		merged, err = normalize(merged)
		if err != nil {
			return err
		}

		if err := c.checkUnique(merged, id); err != nil {
			return err
		}
		opID, err := c.wal.Append(OpUpdate, c.name, id, raw, merged)
		if err != nil {
			return engine.Internal("write-ahead log append failed", err).WithResource(c.name)
		}
		if err := writeJSONAtomic(c.recordPath(id), merged); err != nil {
			return engine.Internal("record write failed", err).WithResource(c.name)
		}
		c.indexes.OnRecordUpdated(c.name, c.evolve(raw), c.evolve(merged))
		c.logger.Debug().
			Str("record_id", id).
			Str("operation_id", opID).
			Int64("version", merged.Version()).
			Msg("record updated")
		rec = c.evolve(merged)
		return nil
	})
	return rec, err
}

// nonDecreasing returns now, or the previous _updated_at if the clock went backwards.
func nonDecreasing(prev engine.Record, now time.Time) string {
	if s, ok := prev[engine.FieldUpdatedAt].(string); ok {
		if t, err := engine.ParseTimestamp(s); err == nil && t.After(now) {
			return engine.FormatTimestamp(t)
		}
	}
	return engine.FormatTimestamp(now)
}

// Delete removes a record and returns its last state.
func (c *Collection) Delete(ctx context.Context, id string) (rec engine.Record, err error) {
	start := time.Now()
	defer func() { c.observe(OpDelete, start, err) }()

	err = c.withLock(ctx, func() error {
		raw, found, err := c.readRaw(id)
		if err != nil {
			return err
		}
		if !found {
			return engine.NotFound(c.name, fmt.Sprintf("%s %s not found", c.name, id)).WithDetail("id", id)
		}
		opID, err := c.wal.Append(OpDelete, c.name, id, raw, nil)
		if err != nil {
			return engine.Internal("write-ahead log append failed", err).WithResource(c.name)
		}
		if err := os.Remove(c.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return engine.Internal("record delete failed", err).WithResource(c.name)
		}
		c.indexes.OnRecordDeleted(c.name, c.evolve(raw))
		c.logger.Debug().Str("record_id", id).Str("operation_id", opID).Msg("record deleted")
		rec = c.evolve(raw)
		return nil
	})
	return rec, err
}

// Count returns the number of record files on disk.
func (c *Collection) Count() (int, error) {
	names, err := c.recordIDs()
	return len(names), err
}

func (c *Collection) recordIDs() ([]string, error) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("reading collection %s: %w", c.name, err)
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// loadAll reads every record, evolved to the current schema.
func (c *Collection) loadAll() ([]engine.Record, error) {
	ids, err := c.recordIDs()
	if err != nil {
		return nil, err
	}
	out := make([]engine.Record, 0, len(ids))
	for _, id := range ids {
		raw, found, err := c.readRaw(id)
		if err != nil {
			c.logger.Warn().Err(err).Str("record_id", id).Msg("skipping unreadable record")
			continue
		}
		if found {
			out = append(out, c.evolve(raw))
		}
	}
	return out, nil
}

func (c *Collection) readRaw(id string) (engine.Record, bool, error) {
	if !validRecordID(id) {
		return nil, false, nil
	}
	data, err := os.ReadFile(c.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engine.Internal("record read failed", err).WithResource(c.name)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, engine.Internal(fmt.Sprintf("record %s is corrupt", id), err).WithResource(c.name)
	}
	return rec, true, nil
}

// evolve shapes a stored record to the current declaration: declared fields
// missing on disk get their default (or null) and undeclared fields are
// omitted. The file itself is left untouched.
func (c *Collection) evolve(raw engine.Record) engine.Record {
	if c.schema.Schemaless() {
		return raw.Clone()
	}
	out := make(engine.Record, len(c.schema.Fields)+4)
	for _, k := range []string{engine.FieldID, engine.FieldCreatedAt, engine.FieldUpdatedAt, engine.FieldVersion} {
		out[k] = raw[k]
	}
	for _, f := range c.schema.Fields {
		if v, ok := raw[f.Name]; ok {
			out[f.Name] = v
		} else {
			out[f.Name] = f.DefaultValue()
		}
	}
	return out
}

// checkUnique scans the whole collection for a record other than selfID
// holding any of rec's unique values.
func (c *Collection) checkUnique(rec engine.Record, selfID string) error {
	unique := c.schema.UniqueFields()
	if len(unique) == 0 {
		return nil
	}
	existing, err := c.loadAll()
	if err != nil {
		return err
	}
	for _, f := range unique {
		v := rec[f.Name]
		if v == nil {
			continue
		}
		for _, other := range existing {
			if other.ID() != selfID && engine.ValuesEqual(other[f.Name], v) {
				return engine.UniqueViolation(c.name, f.Name, v)
			}
		}
	}
	return nil
}

// checkField validates one value against its declaration.
func (c *Collection) checkField(f engine.FieldSchema, v interface{}) error {
	if v == nil {
		if f.Required {
			return engine.InvalidInput(f.Name, fmt.Sprintf("%s is required", f.Name))
		}
		return nil
	}

	if !typeMatches(f.Type, v) {
		return engine.InvalidInput(f.Name, fmt.Sprintf("%s must be of type %s", f.Name, f.Type))
	}
	if len(f.Values) > 0 {
		allowed := false
		for _, want := range f.Values {
			if engine.ValuesEqual(v, want) {
				allowed = true
				break
			}
		}
		if !allowed {
			return engine.InvalidInput(f.Name, fmt.Sprintf("%s must be one of %v", f.Name, f.Values)).
				WithDetail("allowed", f.Values)
		}
	}

	if num, ok := engine.AsFloat(v); ok {
		if f.Min != nil {
			if err := c.validate.Var(num, "gte="+formatBound(*f.Min)); err != nil {
				return engine.InvalidInput(f.Name, fmt.Sprintf("%s must be at least %s", f.Name, formatBound(*f.Min)))
			}
		}
		if f.Max != nil {
			if err := c.validate.Var(num, "lte="+formatBound(*f.Max)); err != nil {
				return engine.InvalidInput(f.Name, fmt.Sprintf("%s must be at most %s", f.Name, formatBound(*f.Max)))
			}
		}
	}
	switch v.(type) {
	case string, []interface{}:
		if f.MinLength != nil {
			if err := c.validate.Var(v, "min="+strconv.Itoa(*f.MinLength)); err != nil {
				return engine.InvalidInput(f.Name, fmt.Sprintf("%s must have length at least %d", f.Name, *f.MinLength))
			}
		}
		if f.MaxLength != nil {
			if err := c.validate.Var(v, "max="+strconv.Itoa(*f.MaxLength)); err != nil {
				return engine.InvalidInput(f.Name, fmt.Sprintf("%s must have length at most %d", f.Name, *f.MaxLength))
			}
		}
	}
	return nil
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func typeMatches(t engine.FieldType, v interface{}) bool {
	switch t {
	case "", engine.FieldTypeEnum:
		return true
	case engine.FieldTypeString, engine.FieldTypeReference:
		_, ok := v.(string)
		return ok
	case engine.FieldTypeNumber:
		_, ok := engine.AsFloat(v)
		return ok
	case engine.FieldTypeInteger:
		_, ok := engine.AsInt(v)
		return ok
	case engine.FieldTypeBoolean:
		_, ok := v.(bool)
		return ok
	case engine.FieldTypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := engine.ParseTimestamp(s)
		return err == nil
	case engine.FieldTypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case engine.FieldTypeArray:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}

// normalize round-trips rec through JSON so the returned value has exactly the
// types a later read decodes.
func normalize(rec engine.Record) (engine.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, engine.InvalidInput("", fmt.Sprintf("record is not serializable: %v", err))
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (engine.Record, error) {
	var rec engine.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	if v, ok := engine.AsInt(rec[engine.FieldVersion]); ok {
		rec[engine.FieldVersion] = v
	}
	return rec, nil
}

// sortRecords orders records by field. Nulls sort last in both directions;
// ties fall back to _id.
func sortRecords(recs []engine.Record, field, order string) {
	if field == "" {
		field = engine.FieldCreatedAt
	}
	desc := order == engine.SortDesc
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i][field], recs[j][field]
		switch {
		case a == nil && b == nil:
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			if cmp := compareValues(a, b); cmp != 0 {
				if desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return recs[i].ID() < recs[j].ID()
	})
}

func compareValues(a, b interface{}) int {
	if fa, ok := engine.AsFloat(a); ok {
		if fb, ok := engine.AsFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(engine.Stringify(a), engine.Stringify(b))
}
