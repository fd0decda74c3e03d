/*Package access decides who is calling and what they may touch.

Every authenticated request carries exactly one AuthContext in its context:

	ctx = access.ContextWithAuth(ctx, access.EndUser{UserID: id})

and handlers retrieve it with

	auth, ok := access.AuthFromContext(ctx)

AuthContext is a closed sum type. Consumers branch with Match, which takes one
function per variant, so adding a variant breaks every consumer at compile time.
*/
package access

import (
	"context"
	"time"
)

// AuthContext is the resolved identity of a single request. It is one of
// Admin, EndUser or APIKey.
type AuthContext interface {
	// Principal returns a printable identity for logs, e.g. "user:<id>"
	Principal() string
	isAuthContext()
}

// Admin is a dashboard administrator authenticated by session cookie. Admins have full access.
type Admin struct {
	UserID string
	Role   string
}

// EndUser is an application user authenticated by a bearer access token.
type EndUser struct {
	UserID      string
	SessionID   string
	TokenExpiry time.Time
}

// APIKey is a server-to-server caller. It is limited to its scopes and never implicitly admin.
type APIKey struct {
	KeyID  string
	Scopes []Scope
}

// Principal implements AuthContext
func (a Admin) Principal() string { return "admin:" + a.UserID }

// Principal implements AuthContext
func (u EndUser) Principal() string { return "user:" + u.UserID }

// Principal implements AuthContext
func (k APIKey) Principal() string { return "apikey:" + k.KeyID }

func (Admin) isAuthContext()   {}
func (EndUser) isAuthContext() {}
func (APIKey) isAuthContext()  {}

// HasScope returns true if the key was granted scope
func (k APIKey) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Match calls the function matching the variant of auth and returns its result.
// It panics on a nil auth; callers check for presence first.
func Match[T any](auth AuthContext, admin func(Admin) T, endUser func(EndUser) T, apiKey func(APIKey) T) T {
	switch a := auth.(type) {
	case Admin:
		return admin(a)
	case EndUser:
		return endUser(a)
	case APIKey:
		return apiKey(a)
	}
	panic("access: no auth context")
}

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyAuth contextKey = "_auth_"

// ContextWithAuth returns a new context with the auth context added
func ContextWithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKeyAuth, auth)
}

// AuthFromContext retrieves the auth context from ctx. It returns false if
// the request is not authenticated.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(contextKeyAuth).(AuthContext)
	return auth, ok && auth != nil
}

// UserID returns the user id of an admin or end user, and the key id of an API key.
func UserID(auth AuthContext) string {
	return Match(auth,
		func(a Admin) string { return a.UserID },
		func(u EndUser) string { return u.UserID },
		func(k APIKey) string { return k.KeyID },
	)
}
