package backend

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// dataTable is a table resolved for one request
type dataTable struct {
	access.TableConfiguration
	filter access.RowFilter
}

func (t dataTable) idColumn() string {
	if t.IDColumn == "" {
		return "id"
	}
	return t.IDColumn
}

func (b *Backend) handleData(router *mux.Router) {
	logger.Default().Debugln("data")
	logger.Default().Debugln("  handle data route: /data/{table} GET,POST")
	logger.Default().Debugln("  handle data route: /data/{table}/{id} GET,PUT,PATCH,DELETE")

	router.HandleFunc("/data/{table}", b.listRows).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/data/{table}", b.createRow).Methods(http.MethodPost)
	router.HandleFunc("/data/{table}/{id}", b.readRow).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/data/{table}/{id}", b.updateRow).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/data/{table}/{id}", b.deleteRow).Methods(http.MethodDelete)
}

// authorizeTable resolves the table of r and the row filter of the caller
func (b *Backend) authorizeTable(r *http.Request, action core.Action) (dataTable, error) {
	auth := authFrom(r)
	if auth == nil {
		return dataTable{}, core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	// only configured tables are served, internal tables never
	name := mux.Vars(r)["table"]
	config, ok := b.policy.Table(name)
	if !ok || access.IsInternalTable(name) {
		return dataTable{}, core.Errorf(core.KindNotFound, "table '%s' not found", name)
	}
	filter, err := b.policy.Authorize(auth, name, action)
	if err != nil {
		return dataTable{}, err
	}
	return dataTable{TableConfiguration: config, filter: filter}, nil
}

// where returns the where clause matching the row id (if not empty) and the
// row filter, with parameters starting at $1
func where(t dataTable, id string) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if id != "" {
		args = append(args, id)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(t.idColumn()), len(args)))
	}
	if clause, filterArgs := t.filter.SQL(len(args) + 1); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, filterArgs...)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func pageParameter(r *http.Request, name string, def, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || (max > 0 && n > max) {
		return 0, core.Errorf(core.KindValidation, "invalid %s '%s'", name, s).WithParams(name)
	}
	return n, nil
}

func (b *Backend) listRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := b.authorizeTable(r, core.ActionRead)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	limit, err := pageParameter(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	offset, err := pageParameter(r, "offset", 0, 0)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}

	clause, args := where(t, "")
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t%s ORDER BY %s LIMIT $%d OFFSET $%d",
		b.db.Table(t.Table), clause, pq.QuoteIdentifier(t.idColumn()), len(args)-1, len(args))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		core.WriteError(w, r, dataError(err, t.Table))
		return
	}
	defer rows.Close()
	result := []json.RawMessage{}
	for rows.Next() {
		var row []byte
		if err := rows.Scan(&row); err != nil {
			core.WriteError(w, r, dataError(err, t.Table))
			return
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		core.WriteError(w, r, dataError(err, t.Table))
		return
	}
	core.WriteJSON(w, http.StatusOK, result)
}

// readRow answers rows the caller does not own exactly like missing rows
func (b *Backend) readRow(w http.ResponseWriter, r *http.Request) {
	t, err := b.authorizeTable(r, core.ActionRead)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	clause, args := where(t, mux.Vars(r)["id"])
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t%s", b.db.Table(t.Table), clause)

	var row []byte
	if err := b.db.QueryRowContext(r.Context(), query, args...).Scan(&row); err != nil {
		core.WriteError(w, r, dataError(err, t.Table))
		return
	}
	core.WriteJSON(w, http.StatusOK, json.RawMessage(row))
}

// columnValue converts a decoded JSON value into a driver value
func columnValue(v interface{}) (interface{}, error) {
	switch value := v.(type) {
	case nil, string, bool:
		return value, nil
	case json.Number:
		return value.String(), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

// rowColumns validates the column names of object and returns them sorted
// with their driver values
func rowColumns(object map[string]interface{}) ([]string, []interface{}, error) {
	columns := make([]string, 0, len(object))
	for column := range object {
		if !access.IsIdentifier(column) {
			return nil, nil, core.Errorf(core.KindValidation, "invalid column name '%s'", column).WithParams(column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	values := make([]interface{}, len(columns))
	for i, column := range columns {
		value, err := columnValue(object[column])
		if err != nil {
			return nil, nil, core.Errorf(core.KindValidation, "invalid value for '%s'", column).WithParams(column)
		}
		values[i] = value
	}
	return columns, values, nil
}

// claimOwnership makes end users the owner of the rows they write. Writing
// rows on behalf of somebody else is forbidden.
func claimOwnership(t dataTable, object map[string]interface{}, creating bool) error {
	if t.filter.Unrestricted() {
		return nil
	}
	owner, ok := object[t.filter.Column]
	if !ok {
		if creating {
			object[t.filter.Column] = t.filter.Value
		}
		return nil
	}
	if s, isString := owner.(string); !isString || s != t.filter.Value {
		return core.Errorf(core.KindForbidden, "rows can only be written for yourself").WithParams(t.filter.Column)
	}
	return nil
}

func (b *Backend) validateRow(t dataTable, object map[string]interface{}) error {
	if t.SchemaID == "" {
		return nil
	}
	return b.validator.ValidateStruct(object, t.SchemaID)
}

func (b *Backend) createRow(w http.ResponseWriter, r *http.Request) {
	t, err := b.authorizeTable(r, core.ActionWrite)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	object, err := b.decodeObject(r, "")
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	if err = claimOwnership(t, object, true); err != nil {
		core.WriteError(w, r, err)
		return
	}
	if err = b.validateRow(t, object); err != nil {
		core.WriteError(w, r, err)
		return
	}
	columns, values, err := rowColumns(object)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s AS t DEFAULT VALUES RETURNING row_to_json(t)", b.db.Table(t.Table))
	} else {
		quoted := make([]string, len(columns))
		placeholders := make([]string, len(columns))
		for i, column := range columns {
			quoted[i] = pq.QuoteIdentifier(column)
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		query = fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING row_to_json(t)",
			b.db.Table(t.Table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	}

	row, err := b.mutate(r.Context(), t, core.EventTypeInsert, query, values)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, json.RawMessage(row))
}

func (b *Backend) updateRow(w http.ResponseWriter, r *http.Request) {
	t, err := b.authorizeTable(r, core.ActionWrite)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	object, err := b.decodeObject(r, "")
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	if err = claimOwnership(t, object, false); err != nil {
		core.WriteError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if r.Method == http.MethodPut {
		object[t.idColumn()] = id
		if err = b.validateRow(t, object); err != nil {
			core.WriteError(w, r, err)
			return
		}
	}
	delete(object, t.idColumn())
	columns, values, err := rowColumns(object)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	if len(columns) == 0 {
		core.WriteError(w, r, core.Errorf(core.KindValidation, "nothing to update"))
		return
	}

	clause, args := where(t, id)
	set := make([]string, len(columns))
	for i, column := range columns {
		set[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(column), len(args)+i+1)
	}
	query := fmt.Sprintf("UPDATE %s AS t SET %s%s RETURNING row_to_json(t)",
		b.db.Table(t.Table), strings.Join(set, ", "), clause)

	row, err := b.mutate(r.Context(), t, core.EventTypeUpdate, query, append(args, values...))
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, json.RawMessage(row))
}

func (b *Backend) deleteRow(w http.ResponseWriter, r *http.Request) {
	t, err := b.authorizeTable(r, core.ActionDelete)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	clause, args := where(t, mux.Vars(r)["id"])
	query := fmt.Sprintf("DELETE FROM %s AS t%s RETURNING row_to_json(t)", b.db.Table(t.Table), clause)

	if _, err := b.mutate(r.Context(), t, core.EventTypeDelete, query, args); err != nil {
		core.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutate runs a single row statement returning the row as JSON and appends
// the queued event in the same transaction. The transaction is retried on
// transient storage failures. Waking the dispatcher happens after commit.
func (b *Backend) mutate(ctx context.Context, t dataTable, eventType core.EventType, query string, args []interface{}) ([]byte, error) {
	rlog := logger.FromContext(ctx)
	var row []byte
	err := retry.Do(ctx, b.txBackoff(), func(ctx context.Context) error {
		err := b.db.RunInTx(ctx, func(tx *sql.Tx) error {
			row = nil
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&row); err != nil {
				return err
			}
			_, err := b.events.Append(ctx, tx, events.Mutation{
				Table:     t.Table,
				RecordID:  recordID(row, t.idColumn()),
				EventType: eventType,
				Payload:   row,
			})
			return err
		})
		if csql.IsTransient(err) {
			rlog.WithError(err).Warnf("retrying %s on %s", eventType, t.Table)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, dataError(err, t.Table)
	}
	if err := b.waker.Wake(ctx); err != nil {
		// the heartbeat picks the event up later
		rlog.WithError(err).Warnln("cannot wake event dispatcher")
	}
	return row, nil
}

// recordID extracts the id column from a row in JSON
func recordID(row []byte, idColumn string) string {
	var object map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(row))
	decoder.UseNumber()
	if err := decoder.Decode(&object); err != nil {
		return ""
	}
	switch id := object[idColumn].(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// dataError maps failures of statements on application tables to error kinds
func dataError(err error, table string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.Errorf(core.KindNotFound, "row not found")
	}
	var typed *core.Error
	if errors.As(err, &typed) {
		return typed
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P01": // undefined_table
			return core.Errorf(core.KindNotFound, "table '%s' not found", table)
		case "42703", "23502", "23503", "23505", "23514", "22P02", "22007", "22003":
			e := core.Errorf(core.KindValidation, "%s", pqErr.Message)
			if pqErr.Column != "" {
				e = e.WithParams(pqErr.Column)
			}
			return e
		}
	}
	return core.StorageErr(err, "statement on '%s' failed", table)
}
