// Package csql is the relational store of the service: a postgres handle
// bound to a schema.
package csql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/bastion/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// New wraps an already opened database. Used with sqlmock in tests.
func New(db *sql.DB, schema string) *DB {
	if schema == "" {
		schema = "public"
	}
	return &DB{DB: db, Schema: schema}
}

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, password, schema string) (*DB, error) {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database:", dataSourceName)
	if password != "" {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if schema == "" {
		schema = "public"
	} else {
		rlog.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE schema IF NOT EXISTS ` + pq.QuoteIdentifier(schema) + `;`)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// Table returns the schema qualified, quoted name of a table
func (db *DB) Table(name string) string {
	return pq.QuoteIdentifier(db.Schema) + "." + pq.QuoteIdentifier(name)
}

// RunInTx runs fn within a transaction. The transaction is committed if fn
// returns nil and rolled back otherwise, also when fn panics.
func (db *DB) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			logger.FromContext(ctx).WithError(rerr).Warn("rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsTransient returns true for failures after which the same transaction can
// be tried again: serialization failures, deadlocks and lost connections.
func IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return true
		case pqErr.Code.Class() == "08":
			return true
		}
	}
	return false
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() error {
	if db.Schema == "public" {
		return errors.New("refuse to drop public schema")
	}
	schema := pq.QuoteIdentifier(db.Schema)
	_, err := db.Exec(`DROP SCHEMA ` + schema + ` CASCADE;
CREATE schema IF NOT EXISTS ` + schema + `;`)
	return err
}
