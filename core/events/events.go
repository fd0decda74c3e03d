/*Package events records data mutations and fans them out.

A Hook registers interest in one event type on one table. Every mutation on
a hooked table appends a QueuedEvent inside the mutation's own transaction,
whether or not anybody is listening. The Dispatcher drains pending events
oldest first per hook and

  - pushes them to matching realtime subscriptions over websockets
  - renders matching notification rules and hands them to the push transport
  - optionally writes them to a Kafka topic

An event whose dispatch fails stays pending and is retried on the next drain,
so delivery is at least once.
*/
package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/bastion/core"
)

// Hook is a registered interest in one event type on one table
type Hook struct {
	ID        uuid.UUID      `json:"id"`
	TableName string         `json:"table_name"`
	EventType core.EventType `json:"event_type"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

// Mutation describes a committed change to one row
type Mutation struct {
	Table     string
	RecordID  string
	EventType core.EventType
	Payload   []byte
}

// QueuedEvent is one recorded mutation awaiting dispatch. It is pending as
// long as ProcessedAt is nil.
type QueuedEvent struct {
	ID          int64           `json:"id"`
	HookID      uuid.UUID       `json:"hook_id"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	EventType   core.EventType  `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`

	// serialized logger context of the request that caused the mutation
	contextData []byte
}

// RealtimeSubscription routes events to a connected websocket client. Empty
// TableName and nil HookID match everything.
type RealtimeSubscription struct {
	ID          uuid.UUID  `json:"id"`
	ClientID    string     `json:"client_id"`
	TableName   string     `json:"table_name,omitempty"`
	HookID      *uuid.UUID `json:"hook_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	FilterOwner bool       `json:"filter_owner"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Matches returns true if the subscription is live at now and covers ev
func (s *RealtimeSubscription) Matches(ev *QueuedEvent, now time.Time) bool {
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	if s.TableName != "" && s.TableName != ev.TableName {
		return false
	}
	return s.HookID == nil || *s.HookID == ev.HookID
}

// TriggerDBChange is the only supported notification trigger
const TriggerDBChange = "db_change"

// Audience selects the push subscriptions a notification rule targets
type Audience string

// all audiences
const (
	AudienceOwner Audience = "owner"
	AudienceAll   Audience = "all"
)

// NotificationRule renders a push notification for matching events
type NotificationRule struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TableName     string         `json:"table_name"`
	EventType     core.EventType `json:"event_type"`
	TitleTemplate string         `json:"title_template"`
	BodyTemplate  string         `json:"body_template"`
	Audience      Audience       `json:"audience"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PushSubscription is a registered push endpoint of an end user
type PushSubscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// PushPayload is a rendered notification
type PushPayload struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	RuleID    uuid.UUID       `json:"rule_id"`
	TableName string          `json:"table_name"`
	EventType core.EventType  `json:"event_type"`
	RecordID  string          `json:"record_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Message is what realtime clients receive
type Message struct {
	Type           string          `json:"type"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	EventID        int64           `json:"event_id"`
	TableName      string          `json:"table_name"`
	EventType      core.EventType  `json:"event_type"`
	RecordID       string          `json:"record_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}
