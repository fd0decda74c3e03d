package backend

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/auth"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type callbackRequest struct {
	Code string `json:"code"`
}

func (b *Backend) handleAuth(router *mux.Router) {
	logger.Default().Debugln("authentication")
	logger.Default().Debugln("  handle auth route: /auth/admin/login POST")
	logger.Default().Debugln("  handle auth route: /auth/admin/logout POST")
	logger.Default().Debugln("  handle auth route: /auth/oauth/{provider}/callback POST")
	logger.Default().Debugln("  handle auth route: /auth/logout POST")
	logger.Default().Debugln("  handle auth route: /auth/me GET")

	router.HandleFunc("/auth/admin/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := b.decodeBody(r, schema.AdminLogin, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		sessionID, account, err := b.login.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		http.SetCookie(w, auth.AdminCookie(sessionID, b.login.TTL(), b.secureCookies))
		core.WriteJSON(w, http.StatusOK, map[string]string{
			"id":    account.ID.String(),
			"email": account.Email,
			"role":  account.Role,
		})
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auth/admin/logout", func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(auth.AdminCookieName); err == nil && cookie.Value != "" {
			if err := b.login.Logout(r.Context(), cookie.Value); err != nil {
				core.WriteError(w, r, err)
				return
			}
		}
		http.SetCookie(w, auth.AdminCookie("", -time.Second, b.secureCookies))
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auth/oauth/{provider}/callback", func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		if err := b.decodeBody(r, schema.OAuthCallback, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		registration, err := b.registrar.Complete(r.Context(), mux.Vars(r)["provider"], req.Code)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, registration)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		user, ok := authFrom(r).(access.EndUser)
		if !ok {
			core.WriteError(w, r, core.Errorf(core.KindForbidden, "only end users have sessions to end"))
			return
		}
		if err := auth.CloseUserSession(r.Context(), b.sessions, user.SessionID); err != nil {
			core.WriteError(w, r, err)
			return
		}
		logger.FromContext(r.Context()).Infof("end user %s signed out", user.UserID)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		if a == nil {
			core.WriteError(w, r, core.Errorf(core.KindUnauthenticated, "authentication required"))
			return
		}
		core.WriteJSON(w, http.StatusOK, access.Match(a,
			func(admin access.Admin) map[string]interface{} {
				return map[string]interface{}{"kind": "admin", "user_id": admin.UserID, "role": admin.Role}
			},
			func(user access.EndUser) map[string]interface{} {
				return map[string]interface{}{"kind": "end_user", "user_id": user.UserID, "token_expiry": user.TokenExpiry}
			},
			func(key access.APIKey) map[string]interface{} {
				return map[string]interface{}{"kind": "api_key", "key_id": key.KeyID, "scopes": access.ScopeStrings(key.Scopes)}
			},
		))
	}).Methods(http.MethodOptions, http.MethodGet)
}
