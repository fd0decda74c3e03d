// Package session stores sessions with a time to live. Admin sessions back
// the dashboard cookie, end user sessions back the sid claim of access tokens.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bastion/core"
)

// Store is a key value store with expiry. Get reports core.KindNotFound for
// missing and expired sessions.
type Store interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Put(ctx context.Context, id string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// AdminSession is the value stored for a logged in admin
type AdminSession struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSession is the value stored for an end user session
type UserSession struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a random, URL safe session id
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// PutJSON stores value as JSON
func PutJSON(ctx context.Context, s Store, id string, value interface{}, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Put(ctx, id, body, ttl)
}

// GetJSON reads a JSON value stored with PutJSON
func GetJSON(ctx context.Context, s Store, id string, value interface{}) error {
	body, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, value); err != nil {
		return core.StorageErr(err, "corrupt session %s", id)
	}
	return nil
}

func notFound() error {
	return core.Errorf(core.KindNotFound, "session not found")
}
