package query

import (
	"bytes"
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/metrics"
)

// Querier is the part of the relational store a query runs against.
// *csql.DB and *sql.DB satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Result is the outcome of an execution. Data is a list of rows for read
// queries and {"rows_affected": n} for write mode queries.
type Result struct {
	Data            interface{}            `json:"data"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Cached          bool                   `json:"cached"`
	Parameters      map[string]interface{} `json:"parameters"`
}

// Engine manages and executes custom queries
type Engine struct {
	store  Store
	db     Querier
	cache  Cache
	policy *access.Engine
	now    func() time.Time
}

// NewEngine returns a query engine. cache may be nil, which disables result
// caching.
func NewEngine(store Store, db Querier, cache Cache, policy *access.Engine) *Engine {
	return &Engine{
		store:  store,
		db:     db,
		cache:  cache,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create compiles and stores a new definition
func (e *Engine) Create(ctx context.Context, def Definition) (*CompiledQuery, error) {
	def.ID = uuid.New()
	def.CreatedAt = e.now()
	def.UpdatedAt = def.CreatedAt
	q, err := Compile(def)
	if err != nil {
		return nil, err
	}
	if err = e.store.InsertQuery(ctx, q); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("created query %s (%s)", q.Definition.Slug, q.Definition.ID)
	return q, nil
}

// Update recompiles and replaces the definition with id
func (e *Engine) Update(ctx context.Context, id uuid.UUID, def Definition) (*CompiledQuery, error) {
	existing, err := e.store.QueryByID(ctx, id)
	if err != nil {
		return nil, err
	}
	def.ID = id
	def.CreatedAt = existing.Definition.CreatedAt
	def.UpdatedAt = e.now()
	q, err := Compile(def)
	if err != nil {
		return nil, err
	}
	if err = e.store.UpdateQuery(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Get returns the query with id
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*CompiledQuery, error) {
	return e.store.QueryByID(ctx, id)
}

// BySlug returns the query with slug
func (e *Engine) BySlug(ctx context.Context, slug string) (*CompiledQuery, error) {
	return e.store.QueryBySlug(ctx, slug)
}

// List returns all queries
func (e *Engine) List(ctx context.Context) ([]CompiledQuery, error) {
	return e.store.Queries(ctx)
}

// Delete removes the query with id
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	return e.store.DeleteQuery(ctx, id)
}

// Execute runs q with params on behalf of auth.
//
// Read queries with a positive cache TTL are served from the cache when a
// live entry exists for the same parameters. The caller's row filter is
// applied after the cache, so entries are shared between callers.
func (e *Engine) Execute(ctx context.Context, q *CompiledQuery, params map[string]interface{}, auth access.AuthContext) (*Result, error) {
	start := time.Now()
	def := &q.Definition
	rlog := logger.FromContext(ctx)

	if auth == nil {
		return nil, core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	if !def.IsEnabled {
		return nil, core.Errorf(core.KindDisabled, "query '%s' is disabled", def.Slug)
	}

	action := core.ActionRead
	if !def.IsReadonly {
		action = core.ActionWrite
	}
	filter, err := e.policy.Authorize(auth, def.PrimaryTable, action)
	if err != nil {
		return nil, err
	}
	if !filter.Unrestricted() && !def.IsReadonly {
		return nil, core.Errorf(core.KindForbidden, "write queries on '%s' are not available to end users", def.PrimaryTable)
	}

	b, err := bindParameters(def, params)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(b.canonical)
	if err != nil {
		return nil, core.Errorf(core.KindTypeMismatch, "parameters cannot be serialized: %s", err)
	}

	cacheable := e.cache != nil && def.IsReadonly && def.CacheTTLSeconds > 0
	// entries of an older revision of the definition are never served
	key := CacheKey(def.ID.String(), canonical) + "@" + strconv.FormatInt(def.UpdatedAt.UnixNano(), 10)
	if cacheable {
		cached, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.RecordCacheError("query")
			rlog.WithError(err).Warnf("cannot read query cache for %s", def.Slug)
		case ok:
			rows, err := decodeRows(cached)
			if err == nil {
				metrics.RecordCacheHit("query")
				metrics.RecordQuery(def.Slug, "cached", 0)
				return &Result{
					Data:            filterRows(rows, filter),
					ExecutionTimeMs: time.Since(start).Milliseconds(),
					Cached:          true,
					Parameters:      b.canonical,
				}, nil
			}
			rlog.WithError(err).Warnf("discarding corrupt cache entry for %s", def.Slug)
		default:
			metrics.RecordCacheMiss("query")
		}
	}

	args := make([]interface{}, len(q.Placeholders))
	for i, name := range q.Placeholders {
		args[i] = b.values[name]
	}

	execStart := time.Now()
	if !def.IsReadonly {
		res, err := e.db.ExecContext(ctx, q.SQL, args...)
		if err != nil {
			metrics.RecordQuery(def.Slug, "error", time.Since(execStart))
			return nil, core.StorageErr(err, "query '%s' failed", def.Slug)
		}
		affected, _ := res.RowsAffected()
		metrics.RecordQuery(def.Slug, "executed", time.Since(execStart))
		return &Result{
			Data:            map[string]interface{}{"rows_affected": affected},
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Parameters:      b.canonical,
		}, nil
	}

	raw, err := e.queryRows(ctx, q.SQL, args)
	if err != nil {
		metrics.RecordQuery(def.Slug, "error", time.Since(execStart))
		return nil, core.StorageErr(err, "query '%s' failed", def.Slug)
	}
	metrics.RecordQuery(def.Slug, "executed", time.Since(execStart))

	// round trip through JSON so fresh and cached results are identical
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, core.StorageErr(err, "cannot encode result of '%s'", def.Slug)
	}
	rows, err := decodeRows(encoded)
	if err != nil {
		return nil, core.StorageErr(err, "cannot decode result of '%s'", def.Slug)
	}
	if cacheable {
		ttl := time.Duration(def.CacheTTLSeconds) * time.Second
		if err := e.cache.Set(ctx, key, encoded, ttl); err != nil {
			metrics.RecordCacheError("query")
			rlog.WithError(err).Warnf("cannot write query cache for %s", def.Slug)
		}
	}

	return &Result{
		Data:            filterRows(rows, filter),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Parameters:      b.canonical,
	}, nil
}

func (e *Engine) queryRows(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	result := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err = rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			row[column.Name()] = columnValue(column, values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func columnValue(column *sql.ColumnType, value interface{}) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	switch strings.ToUpper(column.DatabaseTypeName()) {
	case "JSON", "JSONB":
		if json.Valid(b) {
			return json.RawMessage(append([]byte{}, b...))
		}
	}
	return string(b)
}

func decodeRows(data []byte) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

func filterRows(rows []map[string]interface{}, filter access.RowFilter) []map[string]interface{} {
	if filter.Unrestricted() {
		return rows
	}
	filtered := []map[string]interface{}{}
	for _, row := range rows {
		if filter.Matches(row) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
