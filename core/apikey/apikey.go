// Package apikey creates, verifies and revokes API keys.
//
// A key has the form bsk_<secret>. Only the SHA-256 of the full key is
// stored, the key itself is returned once at creation and never again.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/logger"
)

const (
	// Prefix is the fixed prefix of every key
	Prefix = "bsk"
	// DisplayLength is the number of key characters kept for display
	DisplayLength = 18
	secretBytes   = 32
)

var keyRegexp = regexp.MustCompile(`^` + Prefix + `_[A-Za-z0-9_-]{43}$`)

// IsKeyFormat returns true if s looks like an API key rather than a token
func IsKeyFormat(s string) bool {
	return keyRegexp.MatchString(s)
}

// Hash returns the stored digest of a key
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the truncated, display only fragment of a key
func DisplayPrefix(key string) string {
	if len(key) <= DisplayLength {
		return key + "..."
	}
	return key[:DisplayLength] + "..."
}

// CreateRequest is the request to create a key
type CreateRequest struct {
	Name          string     `json:"name"`
	Scopes        []string   `json:"scopes"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExpiresInDays int        `json:"expires_in_days,omitempty"`
}

// CreatedKey is the result of a key creation. Key is the full secret.
type CreatedKey struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	Prefix    string     `json:"prefix"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager is the API key manager
type Manager struct {
	store        credentials.Store
	now          func() time.Time
	touchTimeout time.Duration
	spawn        func(func())
}

// NewManager returns a manager backed by store
func NewManager(store credentials.Store) *Manager {
	return &Manager{
		store:        store,
		now:          func() time.Time { return time.Now().UTC() },
		touchTimeout: 5 * time.Second,
		spawn:        func(f func()) { go f() },
	}
}

// Create creates a new key issued by issuerID
func (m *Manager) Create(ctx context.Context, req CreateRequest, issuerID string) (*CreatedKey, error) {
	rlog := logger.FromContext(ctx)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, core.Errorf(core.KindValidation, "name is required").WithParams("name")
	}
	if len(req.Scopes) == 0 {
		return nil, core.Errorf(core.KindValidation, "at least one scope is required").WithParams("scopes")
	}
	scopes, err := access.ParseScopes(req.Scopes)
	if err != nil {
		return nil, core.Errorf(core.KindValidation, "%s", err).WithParams("scopes")
	}
	now := m.now()
	expiresAt := req.ExpiresAt
	switch {
	case req.ExpiresInDays < 0:
		return nil, core.Errorf(core.KindValidation, "expires_in_days must not be negative").WithParams("expires_in_days")
	case req.ExpiresInDays > 0 && expiresAt != nil:
		return nil, core.Errorf(core.KindValidation, "expires_at and expires_in_days are exclusive").WithParams("expires_at", "expires_in_days")
	case req.ExpiresInDays > 0:
		t := now.AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	case expiresAt != nil && !expiresAt.After(now):
		return nil, core.Errorf(core.KindValidation, "expires_at must be in the future").WithParams("expires_at")
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		expiresAt = &t
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, core.StorageErr(err, "cannot generate key")
	}
	key := Prefix + "_" + base64.RawURLEncoding.EncodeToString(secret)
	rec := credentials.APIKeyRecord{
		ID:        uuid.New(),
		Name:      req.Name,
		KeyHash:   Hash(key),
		KeyPrefix: DisplayPrefix(key),
		Scopes:    access.ScopeStrings(scopes),
		CreatedBy: issuerID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := m.store.InsertAPIKey(ctx, rec); err != nil {
		return nil, err
	}
	rlog.Infof("api key %s (%s) created by %s with scopes %v", rec.ID, rec.KeyPrefix, issuerID, rec.Scopes)
	return &CreatedKey{
		ID:        rec.ID,
		Key:       key,
		Prefix:    rec.KeyPrefix,
		Scopes:    rec.Scopes,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Verify returns the record of a presented key. Unknown, inactive and expired
// keys all yield the same not found error. On success the last used time is
// updated in the background; failures there are only logged.
func (m *Manager) Verify(ctx context.Context, presented string) (*credentials.APIKeyRecord, error) {
	rlog := logger.FromContext(ctx)
	hash := Hash(presented)
	rec, err := m.store.APIKeyByHash(ctx, hash)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			return nil, errKeyNotFound
		}
		return nil, err
	}
	now := m.now()
	valid := subtle.ConstantTimeCompare([]byte(rec.KeyHash), []byte(hash)) == 1
	switch {
	case !valid:
		rlog.Debugf("api key %s: hash mismatch", rec.ID)
		return nil, errKeyNotFound
	case !rec.IsActive:
		rlog.Debugf("api key %s: inactive", rec.ID)
		return nil, errKeyNotFound
	case rec.ExpiresAt != nil && !rec.ExpiresAt.After(now):
		rlog.Debugf("api key %s: expired at %s", rec.ID, rec.ExpiresAt)
		return nil, errKeyNotFound
	}

	id := rec.ID
	m.spawn(func() {
		tctx, cancel := context.WithTimeout(context.Background(), m.touchTimeout)
		defer cancel()
		if err := m.store.TouchAPIKey(tctx, id, now); err != nil {
			rlog.WithError(err).Warnf("cannot update last use of api key %s", id)
		}
	})
	rec.LastUsedAt = &now
	rec.KeyHash = ""
	return rec, nil
}

var errKeyNotFound = core.Errorf(core.KindNotFound, "api key not found")

// Revoke deactivates a key. Revoking an unknown or revoked key succeeds.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID, actorID string) (bool, error) {
	if err := m.store.DeactivateAPIKey(ctx, id); err != nil {
		return false, err
	}
	logger.FromContext(ctx).Infof("api key %s revoked by %s", id, actorID)
	return true, nil
}

// Delete removes a key for good
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, actorID string) error {
	if err := m.store.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("api key %s deleted by %s", id, actorID)
	return nil
}

// List lists the keys created by actorID. Records never carry the hash.
func (m *Manager) List(ctx context.Context, actorID string) ([]credentials.APIKeyRecord, error) {
	records, err := m.store.APIKeysByCreator(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].KeyHash = ""
	}
	return records, nil
}
