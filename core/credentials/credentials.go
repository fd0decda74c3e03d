// Package credentials persists hashed API keys and OAuth provider
// credentials. It is pure data access and applies no policy.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
)

// APIKeyRecord is a stored API key. The secret itself is never stored.
type APIKeyRecord struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ProviderCredential is the OAuth client configuration of one identity provider
type ProviderCredential struct {
	Provider     string    `json:"provider"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"-"`
	RedirectURL  string    `json:"redirect_url"`
	TokenURL     string    `json:"token_url"`
	UserInfoURL  string    `json:"user_info_url"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the credential store
type Store interface {
	InsertAPIKey(ctx context.Context, rec APIKeyRecord) error
	APIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error)
	APIKeysByCreator(ctx context.Context, createdBy string) ([]APIKeyRecord, error)
	DeactivateAPIKey(ctx context.Context, id uuid.UUID) error
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error

	Provider(ctx context.Context, provider string) (*ProviderCredential, error)
	Providers(ctx context.Context) ([]ProviderCredential, error)
	UpsertProvider(ctx context.Context, p ProviderCredential) error
}

// PostgresStore implements Store on postgres
type PostgresStore struct {
	db *csql.DB
}

// NewPostgresStore returns a credential store for db
func NewPostgresStore(db *csql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the credential tables if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.db.Table("_api_key_")+` (
id uuid NOT NULL PRIMARY KEY,
name varchar NOT NULL,
key_hash varchar NOT NULL UNIQUE,
key_prefix varchar NOT NULL,
scopes varchar[] NOT NULL,
created_by varchar NOT NULL,
created_at timestamp NOT NULL,
expires_at timestamp,
is_active boolean NOT NULL DEFAULT true,
last_used_at timestamp
);
CREATE INDEX IF NOT EXISTS api_key_created_by ON `+s.db.Table("_api_key_")+`(created_by);
CREATE TABLE IF NOT EXISTS `+s.db.Table("_oauth_provider_")+` (
provider varchar NOT NULL PRIMARY KEY,
client_id varchar NOT NULL,
client_secret varchar NOT NULL,
redirect_url varchar NOT NULL,
token_url varchar NOT NULL,
user_info_url varchar NOT NULL,
enabled boolean NOT NULL DEFAULT false,
updated_at timestamp NOT NULL
);`)
	return err
}

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, created_by, created_at, expires_at, is_active, last_used_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAPIKey(row scanner) (*APIKeyRecord, error) {
	var (
		rec        APIKeyRecord
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.KeyHash, &rec.KeyPrefix, pq.Array(&rec.Scopes),
		&rec.CreatedBy, &rec.CreatedAt, &expiresAt, &rec.IsActive, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		rec.LastUsedAt = &lastUsedAt.Time
	}
	return &rec, nil
}

// InsertAPIKey stores a new key record
func (s *PostgresStore) InsertAPIKey(ctx context.Context, rec APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_api_key_")+` (`+apiKeyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		rec.ID, rec.Name, rec.KeyHash, rec.KeyPrefix, pq.Array(rec.Scopes), rec.CreatedBy,
		rec.CreatedAt, rec.ExpiresAt, rec.IsActive, rec.LastUsedAt)
	if err != nil {
		return core.StorageErr(err, "cannot insert api key")
	}
	return nil
}

// APIKeyByHash looks a key up by the hash of its secret
func (s *PostgresStore) APIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error) {
	rec, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM `+s.db.Table("_api_key_")+` WHERE key_hash = $1;`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "api key not found")
	}
	if err != nil {
		return nil, core.StorageErr(err, "cannot read api key")
	}
	return rec, nil
}

// APIKeysByCreator lists the keys created by createdBy, newest first
func (s *PostgresStore) APIKeysByCreator(ctx context.Context, createdBy string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM `+s.db.Table("_api_key_")+` WHERE created_by = $1 ORDER BY created_at DESC;`,
		createdBy)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list api keys")
	}
	defer rows.Close()
	records := []APIKeyRecord{}
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, core.StorageErr(err, "cannot scan api key")
		}
		records = append(records, *rec)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list api keys")
	}
	return records, nil
}

// DeactivateAPIKey marks a key inactive. Unknown ids are not an error.
func (s *PostgresStore) DeactivateAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Table("_api_key_")+` SET is_active = false WHERE id = $1;`, id)
	if err != nil {
		return core.StorageErr(err, "cannot deactivate api key")
	}
	return nil
}

// DeleteAPIKey removes a key. Unknown ids are not an error.
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Table("_api_key_")+` WHERE id = $1;`, id)
	if err != nil {
		return core.StorageErr(err, "cannot delete api key")
	}
	return nil
}

// TouchAPIKey sets the last used timestamp
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Table("_api_key_")+` SET last_used_at = $2 WHERE id = $1;`, id, at)
	if err != nil {
		return core.StorageErr(err, "cannot touch api key")
	}
	return nil
}

const providerColumns = `provider, client_id, client_secret, redirect_url, token_url, user_info_url, enabled, updated_at`

func scanProvider(row scanner) (*ProviderCredential, error) {
	var p ProviderCredential
	err := row.Scan(&p.Provider, &p.ClientID, &p.ClientSecret, &p.RedirectURL, &p.TokenURL, &p.UserInfoURL, &p.Enabled, &p.UpdatedAt)
	return &p, err
}

// Provider returns the credentials of an identity provider
func (s *PostgresStore) Provider(ctx context.Context, provider string) (*ProviderCredential, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM `+s.db.Table("_oauth_provider_")+` WHERE provider = $1;`, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "provider '%s' not found", provider)
	}
	if err != nil {
		return nil, core.StorageErr(err, "cannot read provider")
	}
	return p, nil
}

// Providers lists all identity providers
func (s *PostgresStore) Providers(ctx context.Context) ([]ProviderCredential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM `+s.db.Table("_oauth_provider_")+` ORDER BY provider;`)
	if err != nil {
		return nil, core.StorageErr(err, "cannot list providers")
	}
	defer rows.Close()
	providers := []ProviderCredential{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, core.StorageErr(err, "cannot scan provider")
		}
		providers = append(providers, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, core.StorageErr(err, "cannot list providers")
	}
	return providers, nil
}

// UpsertProvider creates or replaces a provider configuration
func (s *PostgresStore) UpsertProvider(ctx context.Context, p ProviderCredential) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Table("_oauth_provider_")+` (`+providerColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (provider) DO UPDATE SET client_id=$2, client_secret=$3, redirect_url=$4, token_url=$5,
user_info_url=$6, enabled=$7, updated_at=$8;`,
		p.Provider, p.ClientID, p.ClientSecret, p.RedirectURL, p.TokenURL, p.UserInfoURL, p.Enabled, time.Now().UTC())
	if err != nil {
		return core.StorageErr(err, "cannot write provider")
	}
	return nil
}
