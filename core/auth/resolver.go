/*Package auth resolves the credentials of a request into an access.AuthContext.

Credentials are tried in a fixed order and the first match wins:

 1. an "Authorization: Bearer bsk_..." API key
 2. any other bearer value, verified as an end user access token whose
    session is still open
 3. the admin session cookie
 4. nothing: the request is unauthenticated

A bearer that is not an API key is always judged as a token. A broken token
never falls through to the cookie.

The package also hosts the admin login and the OAuth registration flow,
which create the sessions and tokens resolved here.
*/
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/apikey"
	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/session"
)

// AdminCookieName is the name of the admin session cookie
const AdminCookieName = "bastion_session"

// KeyVerifier verifies presented API keys
type KeyVerifier interface {
	Verify(ctx context.Context, presented string) (*credentials.APIKeyRecord, error)
}

// Resolver is the auth resolver
type Resolver struct {
	keys     KeyVerifier
	tokens   *TokenIssuer
	sessions session.Store
}

// NewResolver returns a resolver. Admin sessions and the sessions of end
// user tokens are looked up in sessions.
func NewResolver(keys KeyVerifier, tokens *TokenIssuer, sessions session.Store) *Resolver {
	return &Resolver{keys: keys, tokens: tokens, sessions: sessions}
}

// Resolve returns the auth context of r
func (res *Resolver) Resolve(r *http.Request) (access.AuthContext, error) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)

	if bearer, ok := bearerToken(r); ok {
		if apikey.IsKeyFormat(bearer) {
			rec, err := res.keys.Verify(ctx, bearer)
			if err != nil {
				if core.KindOf(err) == core.KindNotFound {
					return nil, core.Errorf(core.KindInvalidCredential, "invalid api key")
				}
				return nil, err
			}
			scopes, err := access.ParseScopes(rec.Scopes)
			if err != nil {
				rlog.WithError(err).Errorf("Error 4701: api key %s has corrupt scopes", rec.ID)
				return nil, core.Errorf(core.KindInvalidCredential, "invalid api key")
			}
			return access.APIKey{KeyID: rec.ID.String(), Scopes: scopes}, nil
		}
		user, err := res.tokens.Verify(bearer)
		if err != nil {
			return nil, err
		}
		var s session.UserSession
		err = session.GetJSON(ctx, res.sessions, userSessionKey(user.SessionID), &s)
		switch {
		case core.KindOf(err) == core.KindNotFound:
			return nil, core.Errorf(core.KindTokenInvalid, "session has ended")
		case err != nil:
			return nil, err
		case s.UserID != user.UserID:
			rlog.Warnf("Error 4702: session %s does not belong to token subject %s", user.SessionID, user.UserID)
			return nil, core.Errorf(core.KindTokenInvalid, "invalid access token")
		}
		return user, nil
	}

	if cookie, err := r.Cookie(AdminCookieName); err == nil && cookie.Value != "" {
		var s session.AdminSession
		err := session.GetJSON(ctx, res.sessions, adminSessionKey(cookie.Value), &s)
		switch {
		case err == nil:
			return access.Admin{UserID: s.UserID, Role: s.Role}, nil
		case core.KindOf(err) != core.KindNotFound:
			return nil, err
		}
		rlog.Debugln("admin session cookie refers to an unknown or expired session")
	}

	return nil, core.Errorf(core.KindUnauthenticated, "no credentials")
}

// bearerToken returns the bearer token of r. Browsers cannot set headers on
// websocket upgrades, so those may pass the token as access_token instead.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			token := r.URL.Query().Get("access_token")
			return token, token != ""
		}
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func adminSessionKey(id string) string {
	return "admin:" + id
}

func userSessionKey(id string) string {
	return "user:" + id
}

// Middleware resolves the auth context of every request. Requests for which
// public returns true pass without credentials; everything else is rejected
// unless it resolves. Requests that already carry an auth context, which only
// in-process callers can create, pass unchanged.
func (res *Resolver) Middleware(public func(r *http.Request) bool) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				h.ServeHTTP(w, r)
				return
			}
			if _, ok := access.AuthFromContext(r.Context()); ok {
				h.ServeHTTP(w, r)
				return
			}
			auth, err := res.Resolve(r)
			if err != nil {
				if public != nil && public(r) {
					h.ServeHTTP(w, r)
					return
				}
				core.WriteError(w, r, err)
				return
			}
			ctx, _ := logger.ContextWithPrincipal(r.Context(), auth.Principal())
			ctx = access.ContextWithAuth(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminCookie returns the cookie carrying an admin session
func AdminCookie(sessionID string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     AdminCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
