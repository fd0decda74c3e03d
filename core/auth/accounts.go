package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
)

// AdminAccount is a dashboard administrator
type AdminAccount struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// EndUserAccount is an application user registered through an identity provider
type EndUserAccount struct {
	ID        uuid.UUID `json:"id"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminStore stores admin accounts
type AdminStore interface {
	AdminByEmail(ctx context.Context, email string) (*AdminAccount, error)
	InsertAdmin(ctx context.Context, account AdminAccount) error
}

// UserStore stores end user accounts
type UserStore interface {
	UpsertUser(ctx context.Context, account EndUserAccount) (*EndUserAccount, error)
}

// Accounts implements AdminStore and UserStore on postgres
type Accounts struct {
	db *csql.DB
}

// NewAccounts returns the account store for db
func NewAccounts(db *csql.DB) *Accounts {
	return &Accounts{db: db}
}

// EnsureSchema creates the account tables if they do not exist
func (a *Accounts) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+a.db.Table("_admin_account_")+` (
id uuid NOT NULL PRIMARY KEY,
email varchar NOT NULL UNIQUE,
password_hash varchar NOT NULL,
role varchar NOT NULL,
created_at timestamp NOT NULL
);
CREATE TABLE IF NOT EXISTS `+a.db.Table("_end_user_")+` (
id uuid NOT NULL PRIMARY KEY,
provider varchar NOT NULL,
subject varchar NOT NULL,
email varchar NOT NULL DEFAULT '',
name varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
UNIQUE(provider, subject)
);`)
	return err
}

// AdminByEmail implements AdminStore
func (a *Accounts) AdminByEmail(ctx context.Context, email string) (*AdminAccount, error) {
	var acc AdminAccount
	err := a.db.QueryRowContext(ctx, `SELECT id, email, password_hash, role, created_at FROM `+
		a.db.Table("_admin_account_")+` WHERE email = $1;`, normalizeEmail(email)).
		Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &acc.Role, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindNotFound, "admin not found")
	}
	if err != nil {
		return nil, core.StorageErr(err, "cannot read admin account")
	}
	return &acc, nil
}

// InsertAdmin implements AdminStore. Existing accounts with the same email are kept.
func (a *Accounts) InsertAdmin(ctx context.Context, acc AdminAccount) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO `+a.db.Table("_admin_account_")+
		` (id, email, password_hash, role, created_at) VALUES($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING;`,
		acc.ID, normalizeEmail(acc.Email), acc.PasswordHash, acc.Role, acc.CreatedAt)
	if err != nil {
		return core.StorageErr(err, "cannot insert admin account")
	}
	return nil
}

// UpsertUser implements UserStore. Users are identified by provider and subject.
func (a *Accounts) UpsertUser(ctx context.Context, acc EndUserAccount) (*EndUserAccount, error) {
	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	err := a.db.QueryRowContext(ctx, `INSERT INTO `+a.db.Table("_end_user_")+
		` (id, provider, subject, email, name, created_at) VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (provider, subject) DO UPDATE SET email=$4, name=$5
RETURNING id, created_at;`,
		acc.ID, acc.Provider, acc.Subject, acc.Email, acc.Name, acc.CreatedAt).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return nil, core.StorageErr(err, "cannot upsert end user")
	}
	return &acc, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EnsureAdminAccount creates an admin account if none with that email exists yet
func EnsureAdminAccount(ctx context.Context, store AdminStore, email, password, role string) error {
	if email == "" || password == "" {
		return errors.New("admin email and password are required")
	}
	if role == "" {
		role = "owner"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return store.InsertAdmin(ctx, AdminAccount{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	})
}
