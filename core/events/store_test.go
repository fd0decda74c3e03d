package events

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/logger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	s := NewStore(csql.New(sqlDB, "bastion"))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, mock
}

// A mutation on a hooked table appends one pending event in the same
// transaction even though nobody is subscribed.
func TestAppend_InMutationTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	ctx, _ := logger.ContextWithLogger(context.Background())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "bastion"."tasks"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).WithArgs("tasks:insert").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "bastion"."_queued_event_"\s+\(hook_id, table_name, record_id, event_type, payload, context, created_at\)\s+` +
		`SELECT id, table_name, \$2, event_type, \$3, \$4, \$5 FROM "bastion"."_hook_"\s+WHERE table_name = \$1 AND event_type = \$6 AND enabled`).
		WithArgs("tasks", "T1", `{"id":"T1"}`, sqlmock.AnyArg(), s.now(), "insert").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.db.RunInTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "bastion"."tasks" (id) VALUES ($1)`, "T1"); err != nil {
			return err
		}
		n, err := s.Append(ctx, tx, Mutation{Table: "tasks", RecordID: "T1", EventType: core.EventTypeInsert, Payload: []byte(`{"id":"T1"}`)})
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_FailureRollsBackMutation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).WithArgs("tasks:delete").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "bastion"."_queued_event_"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	err := s.db.RunInTx(context.Background(), func(tx *sql.Tx) error {
		_, err := s.Append(context.Background(), tx, Mutation{Table: "tasks", RecordID: "T1", EventType: core.EventTypeDelete})
		return err
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var eventColumns = []string{"id", "hook_id", "table_name", "record_id", "event_type", "payload", "context", "created_at"}

func TestClaim(t *testing.T) {
	s, mock := newMockStore(t)
	hookID := uuid.New()
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM "bastion"."_queued_event_"
WHERE hook_id = \$1 AND processed_at IS NULL
ORDER BY id
LIMIT 1
FOR UPDATE`).WithArgs(hookID).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(7), hookID.String(), "tasks", "T1", "insert", []byte(`{"id":"T1"}`), []byte(`{}`), created))
	mock.ExpectExec(`UPDATE "bastion"."_queued_event_" SET processed_at = \$2 WHERE id = \$1`).
		WithArgs(int64(7), s.now()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen *QueuedEvent
	claimed, err := s.Claim(context.Background(), hookID, func(ctx context.Context, ev *QueuedEvent) error {
		seen = ev
		return nil
	})
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NotNil(t, seen)
	assert.Equal(t, int64(7), seen.ID)
	assert.Equal(t, core.EventTypeInsert, seen.EventType)
	assert.JSONEq(t, `{"id":"T1"}`, string(seen.Payload))

	// failed dispatch leaves the event pending
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(hookID).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(8), hookID.String(), "tasks", "T2", "insert", []byte(`{}`), []byte(`{}`), created))
	mock.ExpectRollback()
	claimed, err = s.Claim(context.Background(), hookID, func(ctx context.Context, ev *QueuedEvent) error {
		return errors.New("push down")
	})
	assert.True(t, claimed)
	assert.Error(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(hookID).WillReturnRows(sqlmock.NewRows(eventColumns))
	mock.ExpectCommit()
	claimed, err = s.Claim(context.Background(), hookID, func(ctx context.Context, ev *QueuedEvent) error {
		t.Fatal("nothing to dispatch")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateHook_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO "bastion"."_hook_"`).WillReturnResult(sqlmock.NewResult(0, 1))
	h := &Hook{TableName: "tasks", EventType: core.EventTypeInsert, Enabled: true}
	require.NoError(t, s.CreateHook(context.Background(), h))
	assert.NotEqual(t, uuid.Nil, h.ID)

	mock.ExpectExec(`INSERT INTO "bastion"."_hook_"`).WillReturnError(&pq.Error{Code: "23505"})
	err := s.CreateHook(context.Background(), &Hook{TableName: "tasks", EventType: core.EventTypeInsert})
	assert.True(t, errors.Is(err, core.ErrValidation))

	mock.ExpectExec(`DELETE FROM "bastion"."_hook_"`).WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.DeleteHook(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionsFor(t *testing.T) {
	s, mock := newMockStore(t)
	hookID := uuid.New()
	expires := s.now().Add(time.Hour)
	mock.ExpectQuery(`FROM "bastion"."_realtime_subscription_" WHERE \(table_name = '' OR table_name = \$1\)`).
		WithArgs("tasks", hookID, s.now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "table_name", "hook_id", "user_id", "filter_owner", "expires_at", "created_at"}).
			AddRow(uuid.NewString(), "c1", "tasks", nil, "U1", true, expires, s.now()).
			AddRow(uuid.NewString(), "c2", "", hookID.String(), "", false, nil, s.now()))
	subs, err := s.SubscriptionsFor(context.Background(), &QueuedEvent{TableName: "tasks", HookID: hookID}, s.now())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Nil(t, subs[0].HookID)
	require.NotNil(t, subs[0].ExpiresAt)
	require.NotNil(t, subs[1].HookID)
	assert.Equal(t, hookID, *subs[1].HookID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionMatches(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	hookID := uuid.New()
	ev := &QueuedEvent{TableName: "tasks", HookID: hookID}
	other := uuid.New()

	assert.True(t, (&RealtimeSubscription{}).Matches(ev, now))
	assert.True(t, (&RealtimeSubscription{TableName: "tasks", HookID: &hookID}).Matches(ev, now))
	assert.False(t, (&RealtimeSubscription{TableName: "boards"}).Matches(ev, now))
	assert.False(t, (&RealtimeSubscription{HookID: &other}).Matches(ev, now))
	assert.False(t, (&RealtimeSubscription{ExpiresAt: &past}).Matches(ev, now))
}
