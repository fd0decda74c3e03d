package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Action is what a caller wants to do with a table, a row or a stored object.
type Action string

// all supported actions
const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// ParseAction parses one of read, write or delete
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionRead, ActionWrite, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("%s is not a valid action", s)
}

// ActionFromMethod maps an HTTP method to the action it performs
func ActionFromMethod(method string) Action {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return ActionRead
	case "DELETE":
		return ActionDelete
	default:
		return ActionWrite
	}
}

// EventType is the kind of mutation a queued event records
type EventType string

// all supported event types
const (
	EventTypeInsert EventType = "insert"
	EventTypeUpdate EventType = "update"
	EventTypeDelete EventType = "delete"
)

// Valid returns true if e is one of insert, update or delete
func (e EventType) Valid() bool {
	switch e {
	case EventTypeInsert, EventTypeUpdate, EventTypeDelete:
		return true
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaller
func (e *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = EventType(s)
	if !e.Valid() {
		return fmt.Errorf("%s is not a valid event type", s)
	}
	return nil
}
