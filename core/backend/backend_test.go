package backend

import (
	"context"
	"database/sql"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/apikey"
	"github.com/relabs-tech/bastion/core/auth"
	"github.com/relabs-tech/bastion/core/backend/kss"
	"github.com/relabs-tech/bastion/core/client"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/query"
)

var configurationJSON = `{
	"tables": [
		{"table": "tasks", "policy": "owner_scoped", "owner_column": "assigned_to"},
		{"table": "boards", "policy": "team_public"},
		{"table": "audit_log", "policy": "system_only"}
	]
}`

type testService struct {
	backend *Backend
	mock    sqlmock.Sqlmock
	client  client.Client
}

func createTestService(t *testing.T) *testService {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: t.TempDir()})
	require.NoError(t, err)

	b := New(&Builder{
		Config:      configurationJSON,
		DB:          csql.New(db, "public"),
		Router:      mux.NewRouter(),
		TokenSecret: []byte("0123456789abcdef0123456789abcdef"),
		KssDriver:   storage,
	})
	t.Cleanup(func() { b.Close() })
	return &testService{backend: b, mock: mock, client: client.NewWithRouter(b.Router())}
}

func errorKind(t *testing.T, body []byte) core.ErrorKind {
	var res struct {
		Error core.ErrorKind `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	return res.Error
}

func TestVersion(t *testing.T) {
	s := createTestService(t)
	var version map[string]string
	status, err := s.client.RawGet("/version", &version)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, Version, version["version"])
}

func TestHealth(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "overdue"}).AddRow(int64(3), int64(0)))

	var h health
	status, err := s.client.RawGet("/_health", &h)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, int64(3), h.PendingEvents)
	assert.True(t, h.DatabaseReachable)
	assert.True(t, h.BlobStoreAvailable)

	s.mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "overdue"}).AddRow(int64(3), int64(2)))
	res, err := s.client.Do(http.MethodGet, "/_health", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Contains(t, string(res.Body), "degraded")
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestUnauthenticated(t *testing.T) {
	s := createTestService(t)
	res, err := s.client.Do(http.MethodGet, "/data/boards", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, core.KindUnauthenticated, errorKind(t, res.Body))

	res, err = s.client.WithToken("not-a-token").Do(http.MethodGet, "/data/boards", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
}

func TestEndUserToken(t *testing.T) {
	s := createTestService(t)
	token, _, err := auth.OpenUserSession(context.Background(), s.backend.Sessions(), s.backend.Tokens(), "U1", "github")
	require.NoError(t, err)

	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT row_to_json(t) FROM "public"."boards" t ORDER BY "id" LIMIT $1 OFFSET $2`)).
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).AddRow([]byte(`{"id":"B1","name":"sprint"}`)))

	var boards []map[string]interface{}
	_, err = s.client.WithToken(token).RawGet("/data/boards", &boards)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "sprint", boards[0]["name"])
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

// signing out ends the session, the token stops working before it expires
func TestEndUserLogout(t *testing.T) {
	s := createTestService(t)
	token, _, err := auth.OpenUserSession(context.Background(), s.backend.Sessions(), s.backend.Tokens(), "U1", "github")
	require.NoError(t, err)
	user := s.client.WithToken(token)

	var me map[string]interface{}
	_, err = user.RawGet("/auth/me", &me)
	require.NoError(t, err)
	assert.Equal(t, "U1", me["user_id"])

	res, err := user.Do(http.MethodPost, "/auth/logout", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.Status)

	res, err = user.Do(http.MethodGet, "/auth/me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, core.KindTokenInvalid, errorKind(t, res.Body))

	// a token for a session that was never opened
	orphan, _, err := s.backend.Tokens().Issue("U1", "S1")
	require.NoError(t, err)
	res, err = s.client.WithToken(orphan).Do(http.MethodGet, "/auth/me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
}

// a row owned by somebody else is indistinguishable from a missing row
func TestReadRow_OwnerMiss(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT row_to_json(t) FROM "public"."tasks" t WHERE "id" = $1 AND "assigned_to" = $2`)).
		WithArgs("T9", "U1").
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}))

	res, err := s.client.WithUser("U1").Do(http.MethodGet, "/data/tasks/T9", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, core.KindNotFound, errorKind(t, res.Body))
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestReadRow_Admin(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT row_to_json(t) FROM "public"."tasks" t WHERE "id" = $1`)).
		WithArgs("T9").
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).AddRow([]byte(`{"id":"T9","assigned_to":"U2"}`)))

	var row map[string]interface{}
	_, err := s.client.WithAdmin().RawGet("/data/tasks/T9", &row)
	require.NoError(t, err)
	assert.Equal(t, "U2", row["assigned_to"])
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestSystemOnlyTable(t *testing.T) {
	s := createTestService(t)
	res, err := s.client.WithUser("U1").Do(http.MethodGet, "/data/audit_log", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)

	res, err = s.client.WithUser("U1").Do(http.MethodGet, "/data/not-a-table", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

// bookkeeping tables and tables missing from the configuration are not
// reachable through /data, not even for admins
func TestInternalTables(t *testing.T) {
	s := createTestService(t)
	key := access.APIKey{KeyID: "K1", Scopes: []access.Scope{
		access.NewScope(access.ResourceAdmin, core.ActionRead),
		access.NewScope(access.ResourceAdmin, core.ActionWrite),
	}}
	for _, table := range []string{"_registry_", "_api_key_", "_oauth_provider_", "_admin_account_", "unknown_table"} {
		res, err := s.client.WithAdmin().Do(http.MethodGet, "/data/"+table, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, res.Status, table)

		res, err = s.client.WithAuth(key).Do(http.MethodGet, "/data/"+table+"/x", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, res.Status, table)

		res, err = s.client.WithAuth(key).Do(http.MethodPost, "/data/"+table, nil, []byte(`{"key":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, res.Status, table)
	}
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

// a read scoped key cannot write and never reaches the database
func TestAPIKeyScope(t *testing.T) {
	s := createTestService(t)
	key := access.APIKey{KeyID: "K1", Scopes: []access.Scope{access.NewScope(access.ResourceData, core.ActionRead)}}

	res, err := s.client.WithAuth(key).Do(http.MethodPost, "/data/tasks", nil, []byte(`{"title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, core.KindForbidden, errorKind(t, res.Body))

	res, err = s.client.WithAuth(key).Do(http.MethodGet, "/admin/queries", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

// the queued event is written in the transaction of the insert
func TestCreateRow_QueuesEvent(t *testing.T) {
	s := createTestService(t)
	row := `{"id":"T1","title":"write docs","assigned_to":"U1"}`

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "public"."tasks" AS t ("assigned_to", "title") VALUES ($1, $2) RETURNING row_to_json(t)`)).
		WithArgs("U1", "write docs").
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).AddRow([]byte(row)))
	s.mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).WithArgs("tasks:insert").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."_queued_event_"`)).
		WithArgs("tasks", "T1", row, sqlmock.AnyArg(), sqlmock.AnyArg(), "insert").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	var created map[string]interface{}
	status, err := s.client.WithUser("U1").RawPost("/data/tasks", map[string]interface{}{"title": "write docs"}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "T1", created["id"])
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateRow_ForeignOwner(t *testing.T) {
	s := createTestService(t)
	res, err := s.client.WithUser("U1").Do(http.MethodPost, "/data/tasks", nil, []byte(`{"title":"x","assigned_to":"U2"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateRow_RollbackOnFailure(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`INSERT INTO "public"."boards"`).
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).AddRow([]byte(`{"id":"B1"}`)))
	s.mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).WithArgs("boards:insert").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`INSERT INTO "public"."_queued_event_"`).WillReturnError(assert.AnError)
	s.mock.ExpectRollback()

	res, err := s.client.WithUser("U1").Do(http.MethodPost, "/data/boards", nil, []byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestUpdateAndDeleteRow(t *testing.T) {
	s := createTestService(t)
	row := `{"id":"T1","title":"renamed","assigned_to":"U1"}`

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "public"."tasks" AS t SET "title" = $3 WHERE "id" = $1 AND "assigned_to" = $2 RETURNING row_to_json(t)`)).
		WithArgs("T1", "U1", "renamed").
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).AddRow([]byte(row)))
	s.mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).WithArgs("tasks:update").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`INSERT INTO "public"."_queued_event_"`).
		WithArgs("tasks", "T1", row, sqlmock.AnyArg(), sqlmock.AnyArg(), "update").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectCommit()

	_, err := s.client.WithUser("U1").RawPatch("/data/tasks/T1", map[string]interface{}{"title": "renamed"}, nil)
	require.NoError(t, err)

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "public"."tasks" AS t WHERE "id" = $1 AND "assigned_to" = $2 RETURNING row_to_json(t)`)).
		WithArgs("T2", "U1").
		WillReturnError(sql.ErrNoRows)
	s.mock.ExpectRollback()

	status, err := s.client.WithUser("U1").RawDelete("/data/tasks/T2")
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func queryRow(t *testing.T, def query.Definition) *sqlmock.Rows {
	q, err := query.Compile(def)
	require.NoError(t, err)
	parameters, err := json.Marshal(q.Definition.Parameters)
	require.NoError(t, err)
	now := time.Now()
	d := q.Definition
	return sqlmock.NewRows([]string{"id", "slug", "name", "sql_template", "parameters", "allow_write",
		"cache_ttl_seconds", "is_enabled", "http_method", "is_readonly", "primary_table", "compiled_sql",
		"placeholders", "created_at", "updated_at"}).
		AddRow("6f1c1b3e-4b0a-4c39-9a57-2d2f5d1a9b01", d.Slug, d.Name, d.SQLTemplate, parameters, d.AllowWrite,
			int64(d.CacheTTLSeconds), true, d.HTTPMethod, d.IsReadonly, d.PrimaryTable, q.SQL,
			"{"+strings.Join(q.Placeholders, ",")+"}", now, now)
}

var openTasks = query.Definition{
	Name:        "open tasks",
	SQLTemplate: "SELECT id, title, assigned_to FROM tasks WHERE status = :status",
	Parameters:  []query.Parameter{{Name: "status", Type: query.TypeString, Required: true}},
	IsEnabled:   true,
}

func TestExecuteQuery(t *testing.T) {
	s := createTestService(t)
	selectQuery := `SELECT ` + `id, slug, name`

	// wrong method
	s.mock.ExpectQuery(selectQuery).WithArgs("open-tasks").WillReturnRows(queryRow(t, openTasks))
	res, err := s.client.WithUser("U1").Do(http.MethodPost, "/queries/open-tasks", nil, []byte(`{"status":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, res.Status)
	assert.Equal(t, http.MethodGet, res.Header.Get("Allow"))
	assert.Contains(t, string(res.Body), "method_not_allowed")

	// end users only see their own rows
	s.mock.ExpectQuery(selectQuery).WithArgs("open-tasks").WillReturnRows(queryRow(t, openTasks))
	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, title, assigned_to FROM tasks WHERE status = $1`)).
		WithArgs("open").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "assigned_to"}).
			AddRow("T1", "write docs", "U1").
			AddRow("T2", "fix bug", "U2"))
	var result query.Result
	_, err = s.client.WithUser("U1").RawGet("/queries/open-tasks?status=open", &result)
	require.NoError(t, err)
	rows, ok := result.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "T1", rows[0].(map[string]interface{})["id"])

	// missing parameter
	s.mock.ExpectQuery(selectQuery).WithArgs("open-tasks").WillReturnRows(queryRow(t, openTasks))
	res, err = s.client.WithUser("U1").Do(http.MethodGet, "/queries/open-tasks", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, core.KindMissingParameter, errorKind(t, res.Body))
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateQuery_Validation(t *testing.T) {
	s := createTestService(t)
	res, err := s.client.WithAdmin().Do(http.MethodPost, "/admin/queries", nil, []byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Contains(t, string(res.Body), "sql_template")
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestCreateAPIKey(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."_api_key_"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var created apikey.CreatedKey
	status, err := s.client.WithAdmin().RawPost("/admin/api-keys",
		map[string]interface{}{"name": "ci", "scopes": []string{"data:read"}, "expires_in_days": 30}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(created.Key, apikey.Prefix+"_"))
	assert.Equal(t, []string{"data:read"}, created.Scopes)
	require.NotNil(t, created.ExpiresAt)

	// scopes are validated before anything is stored
	res, err := s.client.WithAdmin().Do(http.MethodPost, "/admin/api-keys", nil,
		[]byte(`{"name":"ci","scopes":["data:fly"]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res, err = s.client.WithUser("U1").Do(http.MethodPost, "/admin/api-keys", nil,
		[]byte(`{"name":"ci","scopes":["data:read"]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestStorage(t *testing.T) {
	s := createTestService(t)
	user := s.client.WithUser("U1")

	status, err := user.RawPutBlob("/storage/users/U1/notes.txt", "text/plain", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	var blob []byte
	_, header, err := user.RawGetBlob("/storage/users/U1/notes.txt", &blob)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(blob))
	assert.True(t, strings.HasPrefix(header.Get("Content-Type"), "text/plain"))

	// other users' namespaces do not exist for U1
	status, err = user.RawPutBlob("/storage/users/U2/notes.txt", "text/plain", []byte("x"), nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	_, err = s.client.WithAdmin().RawPutBlob("/storage/shared/logo.png", "image/png", []byte{1, 2, 3}, nil)
	require.NoError(t, err)

	var objects []kss.Object
	_, err = user.RawGet("/storage", &objects)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "users/U1/notes.txt", objects[0].Key)

	_, err = s.client.WithAdmin().RawGet("/storage", &objects)
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	_, err = user.RawDelete("/storage/users/U1/notes.txt")
	require.NoError(t, err)
	status, err = user.RawDelete("/storage/users/U1/notes.txt")
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRealtimeSubscription(t *testing.T) {
	s := createTestService(t)
	s.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."_realtime_subscription_"`)).
		WithArgs(sqlmock.AnyArg(), "C1", "tasks", sqlmock.AnyArg(), "U1", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var sub map[string]interface{}
	status, err := s.client.WithUser("U1").RawPost("/realtime/subscriptions",
		map[string]interface{}{"client_id": "C1", "table_name": "tasks", "expires_in_seconds": 60}, &sub)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	// owner scoped tables always filter by owner for end users
	assert.Equal(t, true, sub["filter_owner"])
	assert.Equal(t, "U1", sub["user_id"])

	res, err := s.client.WithUser("U1").Do(http.MethodPost, "/realtime/subscriptions", nil,
		[]byte(`{"client_id":"C1","table_name":"audit_log"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

// connecting requires a subscription of the caller on the client id
func TestRealtimeConnect_ForeignClient(t *testing.T) {
	s := createTestService(t)
	columns := []string{"id", "client_id", "table_name", "hook_id", "user_id", "filter_owner", "expires_at", "created_at"}
	now := time.Now().UTC()
	s.mock.ExpectQuery(`FROM "public"."_realtime_subscription_" WHERE client_id = \$1`).
		WithArgs("C1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("6f1c2a4e-8f5b-4a53-9a0e-3be1f1b1c001", "C1", "tasks", nil, "U1", true, nil, now))

	res, err := s.client.WithUser("U2").Do(http.MethodGet, "/realtime?client_id=C1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestStatistics(t *testing.T) {
	s := createTestService(t)
	for _, table := range []string{"audit_log", "boards", "tasks"} {
		s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_total_relation_size('"public"."` + table + `"'), count(*) FROM "public"."` + table + `"`)).
			WillReturnRows(sqlmock.NewRows([]string{"size", "count"}).AddRow(int64(8192), int64(4)))
	}
	s.mock.ExpectQuery(`SELECT count\(\*\), count\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "overdue"}).AddRow(int64(1), int64(0)))

	res, err := s.client.WithAdmin().Do(http.MethodGet, "/admin/statistics", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	etag := res.Header.Get("ETag")
	assert.NotEmpty(t, etag)

	var stats statisticsDetails
	require.NoError(t, json.Unmarshal(res.Body, &stats))
	require.Len(t, stats.Tables, 3)
	assert.Equal(t, "audit_log", stats.Tables[0].Table)
	assert.Equal(t, float64(2048), stats.Tables[0].AverageSizeB)
	assert.Equal(t, int64(1), stats.Pending)
	assert.NoError(t, s.mock.ExpectationsWereMet())

	assert.False(t, ifNoneMatchFound(`"other"`, etag))
	assert.True(t, ifNoneMatchFound(`"other", `+etag, etag))
	assert.True(t, ifNoneMatchFound(etag, etag))
	assert.True(t, ifNoneMatchFound("*", etag))
}

func TestDataError(t *testing.T) {
	assert.Equal(t, core.KindNotFound, core.KindOf(dataError(sql.ErrNoRows, "tasks")))
	assert.Equal(t, core.KindForbidden, core.KindOf(dataError(core.Errorf(core.KindForbidden, "no"), "tasks")))
	assert.Equal(t, core.KindStorage, core.KindOf(dataError(assert.AnError, "tasks")))
}
