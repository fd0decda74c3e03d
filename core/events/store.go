package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/logger"
)

// Execer executes a statement. *sql.Tx satisfies it, so events can be
// appended inside the transaction of the mutation.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Queue is what the dispatcher needs from the event store
type Queue interface {
	PendingHooks(ctx context.Context) ([]uuid.UUID, error)
	Claim(ctx context.Context, hookID uuid.UUID, dispatch func(context.Context, *QueuedEvent) error) (bool, error)
	SubscriptionsFor(ctx context.Context, ev *QueuedEvent, now time.Time) ([]RealtimeSubscription, error)
	RulesFor(ctx context.Context, table string, eventType core.EventType) ([]NotificationRule, error)
	PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id uuid.UUID, userID string) error
	PruneSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// Store keeps hooks, queued events, subscriptions and notification rules in postgres
type Store struct {
	db  *csql.DB
	now func() time.Time
}

// NewStore returns an event store for db
func NewStore(db *csql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the event tables if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.db.Table("_hook_")+` (
id uuid NOT NULL PRIMARY KEY,
table_name varchar NOT NULL,
event_type varchar NOT NULL,
enabled boolean NOT NULL DEFAULT true,
created_at timestamp NOT NULL,
UNIQUE (table_name, event_type)
);
CREATE TABLE IF NOT EXISTS `+s.db.Table("_queued_event_")+` (
id bigserial PRIMARY KEY,
hook_id uuid NOT NULL,
table_name varchar NOT NULL,
record_id varchar NOT NULL,
event_type varchar NOT NULL,
payload json NOT NULL,
context json NOT NULL DEFAULT '{}'::json,
created_at timestamp NOT NULL,
processed_at timestamp
);
CREATE INDEX IF NOT EXISTS queued_event_pending ON `+s.db.Table("_queued_event_")+`(hook_id, id) WHERE processed_at IS NULL;
CREATE TABLE IF NOT EXISTS `+s.db.Table("_realtime_subscription_")+` (
id uuid NOT NULL PRIMARY KEY,
client_id varchar NOT NULL,
table_name varchar NOT NULL DEFAULT '',
hook_id uuid,
user_id varchar NOT NULL DEFAULT '',
filter_owner boolean NOT NULL DEFAULT false,
expires_at timestamp,
created_at timestamp NOT NULL
);
CREATE INDEX IF NOT EXISTS realtime_subscription_client ON `+s.db.Table("_realtime_subscription_")+`(client_id);
CREATE TABLE IF NOT EXISTS `+s.db.Table("_notification_rule_")+` (
id uuid NOT NULL PRIMARY KEY,
name varchar NOT NULL,
trigger_type varchar NOT NULL,
table_name varchar NOT NULL,
event_type varchar NOT NULL,
title_template varchar NOT NULL,
body_template varchar NOT NULL,
audience varchar NOT NULL,
enabled boolean NOT NULL DEFAULT true,
created_at timestamp NOT NULL
);
CREATE TABLE IF NOT EXISTS `+s.db.Table("_push_subscription_")+` (
id uuid NOT NULL PRIMARY KEY,
user_id varchar NOT NULL,
endpoint varchar NOT NULL,
p256dh varchar NOT NULL DEFAULT '',
auth varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
UNIQUE (user_id, endpoint)
);`)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Append records m for every enabled hook on its table and event type. It
// must be called with the transaction of the mutation, so the event exists
// if and only if the mutation commits. It returns the number of events
// appended.
func (s *Store) Append(ctx context.Context, tx Execer, m Mutation) (int64, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	// appends of one table and event type are serialized until commit, so
	// event ids of a hook follow commit order
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`,
		m.Table+":"+string(m.EventType)); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO `+s.db.Table("_queued_event_")+`
(hook_id, table_name, record_id, event_type, payload, context, created_at)
SELECT id, table_name, $2, event_type, $3, $4, $5 FROM `+s.db.Table("_hook_")+`
WHERE table_name = $1 AND event_type = $6 AND enabled;`,
		m.Table, m.RecordID, string(payload), string(logger.SerializeLoggerContext(ctx)), s.now(), string(m.EventType))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateHook stores a new hook. A second hook for the same table and event
// type is a validation error.
func (s *Store) CreateHook(ctx context.Context, h *Hook) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_hook_")+`
(id, table_name, event_type, enabled, created_at) VALUES ($1,$2,$3,$4,$5);`,
		h.ID, h.TableName, string(h.EventType), h.Enabled, h.CreatedAt)
	if isUniqueViolation(err) {
		return core.Errorf(core.KindValidation, "hook for %s %s already exists", h.TableName, h.EventType).WithParams("table_name", "event_type")
	}
	if err != nil {
		return core.StorageErr(err, "cannot insert hook")
	}
	return nil
}

// Hooks lists all hooks
func (s *Store) Hooks(ctx context.Context) ([]Hook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, table_name, event_type, enabled, created_at FROM `+
		s.db.Table("_hook_")+` ORDER BY table_name, event_type;`)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list hooks")
	}
	defer rows.Close()
	hooks := []Hook{}
	for rows.Next() {
		var h Hook
		if err = rows.Scan(&h.ID, &h.TableName, &h.EventType, &h.Enabled, &h.CreatedAt); err != nil {
			return nil, core.StorageErr(err, "cannot scan hook")
		}
		hooks = append(hooks, h)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list hooks")
	}
	return hooks, nil
}

// SetHookEnabled enables or disables a hook
func (s *Store) SetHookEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.execOne(ctx, "hook", `UPDATE `+s.db.Table("_hook_")+` SET enabled = $2 WHERE id = $1;`, id, enabled)
}

// DeleteHook removes a hook. Already queued events stay queued.
func (s *Store) DeleteHook(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, "hook", `DELETE FROM `+s.db.Table("_hook_")+` WHERE id = $1;`, id)
}

func (s *Store) execOne(ctx context.Context, what string, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return core.StorageErr(err, "cannot modify %s", what)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return core.Errorf(core.KindNotFound, "%s not found", what)
	}
	return nil
}

// PendingHooks returns the hooks that have pending events
func (s *Store) PendingHooks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT hook_id FROM `+s.db.Table("_queued_event_")+
		` WHERE processed_at IS NULL;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hooks []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		hooks = append(hooks, id)
	}
	return hooks, rows.Err()
}

// Claim locks the oldest pending event of hook and calls dispatch with it.
// If dispatch succeeds the event is marked processed, otherwise it stays
// pending. It returns false if the hook had no pending event.
func (s *Store) Claim(ctx context.Context, hookID uuid.UUID, dispatch func(context.Context, *QueuedEvent) error) (bool, error) {
	claimed := false
	err := s.db.RunInTx(ctx, func(tx *sql.Tx) error {
		var (
			ev      QueuedEvent
			payload []byte
		)
		err := tx.QueryRowContext(ctx, `SELECT id, hook_id, table_name, record_id, event_type, payload, context, created_at
FROM `+s.db.Table("_queued_event_")+`
WHERE hook_id = $1 AND processed_at IS NULL
ORDER BY id
LIMIT 1
FOR UPDATE;`, hookID).Scan(&ev.ID, &ev.HookID, &ev.TableName, &ev.RecordID, &ev.EventType, &payload,
			&ev.contextData, &ev.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ev.Payload = payload
		claimed = true
		if err = dispatch(ctx, &ev); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+s.db.Table("_queued_event_")+` SET processed_at = $2 WHERE id = $1;`,
			ev.ID, s.now())
		return err
	})
	return claimed, err
}

// Events lists the most recent events of a table, newest first
func (s *Store) Events(ctx context.Context, table string, pendingOnly bool, limit int) ([]QueuedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, hook_id, table_name, record_id, event_type, payload, created_at, processed_at FROM ` +
		s.db.Table("_queued_event_") + ` WHERE ($1 = '' OR table_name = $1)`
	if pendingOnly {
		query += ` AND processed_at IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d;`, limit)
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list events")
	}
	defer rows.Close()
	events := []QueuedEvent{}
	for rows.Next() {
		var (
			ev          QueuedEvent
			payload     []byte
			processedAt sql.NullTime
		)
		if err = rows.Scan(&ev.ID, &ev.HookID, &ev.TableName, &ev.RecordID, &ev.EventType, &payload,
			&ev.CreatedAt, &processedAt); err != nil {
			return nil, core.StorageErr(err, "cannot scan event")
		}
		ev.Payload = payload
		if processedAt.Valid {
			ev.ProcessedAt = &processedAt.Time
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list events")
	}
	return events, nil
}

// Stats summarizes the queue for health reporting
type Stats struct {
	Pending int64 `json:"pending"`
	Overdue int64 `json:"overdue"`
}

// Stats returns the number of pending events and of pending events older
// than overdue.
func (s *Store) Stats(ctx context.Context, overdue time.Duration) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `SELECT count(*), count(*) FILTER (WHERE created_at < $1) FROM `+
		s.db.Table("_queued_event_")+` WHERE processed_at IS NULL;`, s.now().Add(-overdue)).
		Scan(&stats.Pending, &stats.Overdue)
	if err != nil {
		return stats, core.StorageErr(err, "cannot count events")
	}
	return stats, nil
}

const subscriptionColumns = `id, client_id, table_name, hook_id, user_id, filter_owner, expires_at, created_at`

func scanSubscription(rows *sql.Rows) (*RealtimeSubscription, error) {
	var (
		sub       RealtimeSubscription
		hookID    uuid.NullUUID
		expiresAt sql.NullTime
	)
	if err := rows.Scan(&sub.ID, &sub.ClientID, &sub.TableName, &hookID, &sub.UserID, &sub.FilterOwner,
		&expiresAt, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if hookID.Valid {
		sub.HookID = &hookID.UUID
	}
	if expiresAt.Valid {
		sub.ExpiresAt = &expiresAt.Time
	}
	return &sub, nil
}

func (s *Store) subscriptions(ctx context.Context, where string, args ...interface{}) ([]RealtimeSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM `+
		s.db.Table("_realtime_subscription_")+` WHERE `+where+`;`, args...)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list subscriptions")
	}
	defer rows.Close()
	subs := []RealtimeSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, core.StorageErr(err, "cannot scan subscription")
		}
		subs = append(subs, *sub)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list subscriptions")
	}
	return subs, nil
}

// CreateSubscription stores a realtime subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *RealtimeSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.CreatedAt = s.now()
	var hookID uuid.NullUUID
	if sub.HookID != nil {
		hookID = uuid.NullUUID{UUID: *sub.HookID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_realtime_subscription_")+` (`+subscriptionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`,
		sub.ID, sub.ClientID, sub.TableName, hookID, sub.UserID, sub.FilterOwner, sub.ExpiresAt, sub.CreatedAt)
	if err != nil {
		return core.StorageErr(err, "cannot insert subscription")
	}
	return nil
}

// SubscriptionsByClient lists the subscriptions of a realtime client
func (s *Store) SubscriptionsByClient(ctx context.Context, clientID string) ([]RealtimeSubscription, error) {
	return s.subscriptions(ctx, `client_id = $1`, clientID)
}

// SubscriptionsFor lists the live subscriptions matching ev
func (s *Store) SubscriptionsFor(ctx context.Context, ev *QueuedEvent, now time.Time) ([]RealtimeSubscription, error) {
	return s.subscriptions(ctx, `(table_name = '' OR table_name = $1) AND (hook_id IS NULL OR hook_id = $2)
AND (expires_at IS NULL OR expires_at > $3)`, ev.TableName, ev.HookID, now)
}

// DeleteSubscription removes a subscription of user
func (s *Store) DeleteSubscription(ctx context.Context, id uuid.UUID, userID string) error {
	return s.execOne(ctx, "subscription", `DELETE FROM `+s.db.Table("_realtime_subscription_")+
		` WHERE id = $1 AND user_id = $2;`, id, userID)
}

// PruneSubscriptions deletes subscriptions that expired before now
func (s *Store) PruneSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Table("_realtime_subscription_")+
		` WHERE expires_at IS NOT NULL AND expires_at <= $1;`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const ruleColumns = `id, name, trigger_type, table_name, event_type, title_template, body_template, audience, enabled, created_at`

func (s *Store) rules(ctx context.Context, where string, args ...interface{}) ([]NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM `+s.db.Table("_notification_rule_")+
		` WHERE `+where+` ORDER BY created_at;`, args...)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list notification rules")
	}
	defer rows.Close()
	rules := []NotificationRule{}
	for rows.Next() {
		var r NotificationRule
		if err = rows.Scan(&r.ID, &r.Name, &r.TriggerType, &r.TableName, &r.EventType, &r.TitleTemplate,
			&r.BodyTemplate, &r.Audience, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, core.StorageErr(err, "cannot scan notification rule")
		}
		rules = append(rules, r)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list notification rules")
	}
	return rules, nil
}

// CreateRule stores a notification rule
func (s *Store) CreateRule(ctx context.Context, r *NotificationRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.TriggerType == "" {
		r.TriggerType = TriggerDBChange
	}
	if r.Audience == "" {
		r.Audience = AudienceOwner
	}
	r.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_notification_rule_")+` (`+ruleColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		r.ID, r.Name, r.TriggerType, r.TableName, string(r.EventType), r.TitleTemplate, r.BodyTemplate,
		string(r.Audience), r.Enabled, r.CreatedAt)
	if err != nil {
		return core.StorageErr(err, "cannot insert notification rule")
	}
	return nil
}

// Rules lists all notification rules
func (s *Store) Rules(ctx context.Context) ([]NotificationRule, error) {
	return s.rules(ctx, `true`)
}

// RulesFor lists the enabled db_change rules for table and event type
func (s *Store) RulesFor(ctx context.Context, table string, eventType core.EventType) ([]NotificationRule, error) {
	return s.rules(ctx, `enabled AND trigger_type = $1 AND table_name = $2 AND event_type = $3`,
		TriggerDBChange, table, string(eventType))
}

// DeleteRule removes a notification rule
func (s *Store) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, "notification rule", `DELETE FROM `+s.db.Table("_notification_rule_")+` WHERE id = $1;`, id)
}

// CreatePushSubscription stores a push endpoint. Registering the same
// endpoint twice refreshes its keys.
func (s *Store) CreatePushSubscription(ctx context.Context, p *PushSubscription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, `INSERT INTO `+s.db.Table("_push_subscription_")+`
(id, user_id, endpoint, p256dh, auth, created_at) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
RETURNING id;`, p.ID, p.UserID, p.Endpoint, p.P256dh, p.Auth, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return core.StorageErr(err, "cannot insert push subscription")
	}
	return nil
}

// PushSubscriptions lists the push subscriptions of userID, or all of them
// if userID is empty.
func (s *Store) PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, endpoint, p256dh, auth, created_at FROM `+
		s.db.Table("_push_subscription_")+` WHERE ($1 = '' OR user_id = $1) ORDER BY created_at;`, userID)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list push subscriptions")
	}
	defer rows.Close()
	subs := []PushSubscription{}
	for rows.Next() {
		var p PushSubscription
		if err = rows.Scan(&p.ID, &p.UserID, &p.Endpoint, &p.P256dh, &p.Auth, &p.CreatedAt); err != nil {
			return nil, core.StorageErr(err, "cannot scan push subscription")
		}
		subs = append(subs, p)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list push subscriptions")
	}
	return subs, nil
}

// DeletePushSubscription removes a push subscription. An empty userID
// matches any owner.
func (s *Store) DeletePushSubscription(ctx context.Context, id uuid.UUID, userID string) error {
	return s.execOne(ctx, "push subscription", `DELETE FROM `+s.db.Table("_push_subscription_")+
		` WHERE id = $1 AND ($2 = '' OR user_id = $2);`, id, userID)
}
