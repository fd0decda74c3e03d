package auth

import (
	"context"
	"time"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/session"
)

// NormalizedUser is what the identity provider tells us about a user
type NormalizedUser struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IdentityProvider performs the outbound calls of an OAuth code flow
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, provider credentials.ProviderCredential, code string) (string, error)
	FetchUserInfo(ctx context.Context, provider credentials.ProviderCredential, accessToken string) (NormalizedUser, error)
}

// Registration is the result of a completed OAuth flow
type Registration struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresAt   time.Time      `json:"expires_at"`
	User        EndUserAccount `json:"user"`
}

// Registrar signs end users up and in through identity providers
type Registrar struct {
	providers credentials.Store
	idp       IdentityProvider
	users     UserStore
	sessions  session.Store
	tokens    *TokenIssuer
}

// NewRegistrar returns a registrar
func NewRegistrar(providers credentials.Store, idp IdentityProvider, users UserStore, sessions session.Store, tokens *TokenIssuer) *Registrar {
	return &Registrar{providers: providers, idp: idp, users: users, sessions: sessions, tokens: tokens}
}

// Complete finishes the code flow of provider: it exchanges code, fetches the
// user, upserts the account, opens a session and issues an access token.
func (g *Registrar) Complete(ctx context.Context, provider, code string) (*Registration, error) {
	rlog := logger.FromContext(ctx).WithField("provider", provider)
	if code == "" {
		return nil, core.Errorf(core.KindValidation, "code is required").WithParams("code")
	}
	p, err := g.providers.Provider(ctx, provider)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, core.Errorf(core.KindDisabled, "provider '%s' is disabled", provider)
	}

	accessToken, err := g.idp.ExchangeCode(ctx, *p, code)
	if err != nil {
		rlog.WithError(err).Warn("code exchange failed")
		return nil, &core.Error{Kind: core.KindInvalidCredential, Message: "code exchange failed", Err: err}
	}
	info, err := g.idp.FetchUserInfo(ctx, *p, accessToken)
	if err != nil {
		rlog.WithError(err).Warn("user info fetch failed")
		return nil, &core.Error{Kind: core.KindInvalidCredential, Message: "user info fetch failed", Err: err}
	}
	if info.Subject == "" {
		return nil, core.Errorf(core.KindInvalidCredential, "provider returned no subject")
	}

	user, err := g.users.UpsertUser(ctx, EndUserAccount{
		Provider: provider,
		Subject:  info.Subject,
		Email:    normalizeEmail(info.Email),
		Name:     info.Name,
	})
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := OpenUserSession(ctx, g.sessions, g.tokens, user.ID.String(), provider)
	if err != nil {
		return nil, err
	}
	rlog.Infof("end user %s signed in", user.ID)
	return &Registration{AccessToken: token, TokenType: "Bearer", ExpiresAt: expiresAt, User: *user}, nil
}

// OpenUserSession stores a new session of userID and issues an access token
// for it. The session lives as long as the token.
func OpenUserSession(ctx context.Context, sessions session.Store, tokens *TokenIssuer, userID, provider string) (string, time.Time, error) {
	sessionID, err := session.NewID()
	if err != nil {
		return "", time.Time{}, core.StorageErr(err, "cannot create session id")
	}
	token, expiresAt, err := tokens.Issue(userID, sessionID)
	if err != nil {
		return "", time.Time{}, core.StorageErr(err, "cannot sign access token")
	}
	s := session.UserSession{UserID: userID, Provider: provider, CreatedAt: time.Now().UTC()}
	if err := session.PutJSON(ctx, sessions, userSessionKey(sessionID), s, time.Until(expiresAt)); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// CloseUserSession ends the session of an end user. Access tokens carrying
// its id stop resolving immediately.
func CloseUserSession(ctx context.Context, sessions session.Store, sessionID string) error {
	return sessions.Delete(ctx, userSessionKey(sessionID))
}
