package query

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
)

// Store persists compiled queries
type Store interface {
	InsertQuery(ctx context.Context, q *CompiledQuery) error
	UpdateQuery(ctx context.Context, q *CompiledQuery) error
	QueryByID(ctx context.Context, id uuid.UUID) (*CompiledQuery, error)
	QueryBySlug(ctx context.Context, slug string) (*CompiledQuery, error)
	Queries(ctx context.Context) ([]CompiledQuery, error)
	DeleteQuery(ctx context.Context, id uuid.UUID) error
}

// PostgresStore implements Store on postgres
type PostgresStore struct {
	db *csql.DB
}

// NewPostgresStore returns a query store for db
func NewPostgresStore(db *csql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the query table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.db.Table("_custom_query_")+` (
id uuid NOT NULL PRIMARY KEY,
slug varchar NOT NULL UNIQUE,
name varchar NOT NULL,
sql_template text NOT NULL,
parameters json NOT NULL,
allow_write boolean NOT NULL DEFAULT false,
cache_ttl_seconds integer NOT NULL DEFAULT 0,
is_enabled boolean NOT NULL DEFAULT true,
http_method varchar NOT NULL,
is_readonly boolean NOT NULL,
primary_table varchar NOT NULL,
compiled_sql text NOT NULL,
placeholders varchar[] NOT NULL,
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL
);`)
	return err
}

const queryColumns = `id, slug, name, sql_template, parameters, allow_write, cache_ttl_seconds, is_enabled, http_method, is_readonly, primary_table, compiled_sql, placeholders, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQuery(row scanner) (*CompiledQuery, error) {
	var (
		q          CompiledQuery
		parameters []byte
	)
	d := &q.Definition
	err := row.Scan(&d.ID, &d.Slug, &d.Name, &d.SQLTemplate, &parameters, &d.AllowWrite, &d.CacheTTLSeconds,
		&d.IsEnabled, &d.HTTPMethod, &d.IsReadonly, &d.PrimaryTable, &q.SQL, pq.Array(&q.Placeholders),
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(parameters, &d.Parameters); err != nil {
		return nil, err
	}
	return &q, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// InsertQuery stores a new query. A taken slug is a validation error.
func (s *PostgresStore) InsertQuery(ctx context.Context, q *CompiledQuery) error {
	d := q.Definition
	parameters, _ := json.Marshal(d.Parameters)
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_custom_query_")+` (`+queryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`,
		d.ID, d.Slug, d.Name, d.SQLTemplate, string(parameters), d.AllowWrite, d.CacheTTLSeconds, d.IsEnabled,
		d.HTTPMethod, d.IsReadonly, d.PrimaryTable, q.SQL, pq.Array(q.Placeholders), d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return core.Errorf(core.KindValidation, "slug '%s' is already taken", d.Slug).WithParams("slug")
	}
	if err != nil {
		return core.StorageErr(err, "cannot insert query")
	}
	return nil
}

// UpdateQuery replaces a stored query
func (s *PostgresStore) UpdateQuery(ctx context.Context, q *CompiledQuery) error {
	d := q.Definition
	parameters, _ := json.Marshal(d.Parameters)
	res, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Table("_custom_query_")+`
SET slug=$2, name=$3, sql_template=$4, parameters=$5, allow_write=$6, cache_ttl_seconds=$7, is_enabled=$8,
http_method=$9, is_readonly=$10, primary_table=$11, compiled_sql=$12, placeholders=$13, updated_at=$14
WHERE id = $1;`,
		d.ID, d.Slug, d.Name, d.SQLTemplate, string(parameters), d.AllowWrite, d.CacheTTLSeconds, d.IsEnabled,
		d.HTTPMethod, d.IsReadonly, d.PrimaryTable, q.SQL, pq.Array(q.Placeholders), d.UpdatedAt)
	if isUniqueViolation(err) {
		return core.Errorf(core.KindValidation, "slug '%s' is already taken", d.Slug).WithParams("slug")
	}
	if err != nil {
		return core.StorageErr(err, "cannot update query")
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return core.Errorf(core.KindNotFound, "query %s not found", d.ID)
	}
	return nil
}

func (s *PostgresStore) queryWhere(ctx context.Context, where string, arg interface{}) (*CompiledQuery, error) {
	q, err := scanQuery(s.db.QueryRowContext(ctx,
		`SELECT `+queryColumns+` FROM `+s.db.Table("_custom_query_")+` WHERE `+where+` = $1;`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "query not found")
	}
	if err != nil {
		return nil, core.StorageErr(err, "cannot read query")
	}
	return q, nil
}

// QueryByID returns the query with id
func (s *PostgresStore) QueryByID(ctx context.Context, id uuid.UUID) (*CompiledQuery, error) {
	return s.queryWhere(ctx, "id", id)
}

// QueryBySlug returns the query with slug
func (s *PostgresStore) QueryBySlug(ctx context.Context, slug string) (*CompiledQuery, error) {
	return s.queryWhere(ctx, "slug", slug)
}

// Queries lists all queries ordered by name
func (s *PostgresStore) Queries(ctx context.Context) ([]CompiledQuery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queryColumns+` FROM `+s.db.Table("_custom_query_")+` ORDER BY name;`)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list queries")
	}
	defer rows.Close()
	queries := []CompiledQuery{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, core.StorageErr(err, "cannot scan query")
		}
		queries = append(queries, *q)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list queries")
	}
	return queries, nil
}

// DeleteQuery removes a query
func (s *PostgresStore) DeleteQuery(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Table("_custom_query_")+` WHERE id = $1;`, id)
	if err != nil {
		return core.StorageErr(err, "cannot delete query")
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return core.Errorf(core.KindNotFound, "query %s not found", id)
	}
	return nil
}
