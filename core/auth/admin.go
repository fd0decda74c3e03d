package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/session"
)

// dummyHash is compared against when the email is unknown, so unknown
// accounts and wrong passwords take the same time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("bastion-dummy-password"), bcrypt.DefaultCost)

// AdminLogin authenticates admins by password and manages their sessions
type AdminLogin struct {
	admins   AdminStore
	sessions session.Store
	ttl      time.Duration
}

// NewAdminLogin returns the admin login. Sessions expire after ttl.
func NewAdminLogin(admins AdminStore, sessions session.Store, ttl time.Duration) *AdminLogin {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AdminLogin{admins: admins, sessions: sessions, ttl: ttl}
}

// TTL returns the session lifetime
func (l *AdminLogin) TTL() time.Duration {
	return l.ttl
}

// Login verifies email and password and returns the id of a new session
func (l *AdminLogin) Login(ctx context.Context, email, password string) (string, *AdminAccount, error) {
	rlog := logger.FromContext(ctx)
	acc, err := l.admins.AdminByEmail(ctx, email)
	if err != nil && core.KindOf(err) != core.KindNotFound {
		return "", nil, err
	}
	hash := dummyHash
	if acc != nil {
		hash = []byte(acc.PasswordHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil || acc == nil {
		rlog.Infof("admin login failed for %s", normalizeEmail(email))
		return "", nil, core.Errorf(core.KindInvalidCredential, "invalid email or password")
	}
	id, err := session.NewID()
	if err != nil {
		return "", nil, core.StorageErr(err, "cannot create session id")
	}
	s := session.AdminSession{UserID: acc.ID.String(), Role: acc.Role, CreatedAt: time.Now().UTC()}
	if err := session.PutJSON(ctx, l.sessions, adminSessionKey(id), s, l.ttl); err != nil {
		return "", nil, err
	}
	rlog.Infof("admin %s logged in", acc.ID)
	return id, acc, nil
}

// Logout ends an admin session
func (l *AdminLogin) Logout(ctx context.Context, sessionID string) error {
	return l.sessions.Delete(ctx, adminSessionKey(sessionID))
}
