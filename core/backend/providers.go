package backend

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

// providerRequest carries the client secret, which provider credentials never serialize
type providerRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
	TokenURL     string `json:"token_url"`
	UserInfoURL  string `json:"user_info_url"`
	Enabled      *bool  `json:"enabled"`
}

func (b *Backend) handleProviders(router *mux.Router) {
	logger.Default().Debugln("identity providers")
	logger.Default().Debugln("  handle admin route: /admin/providers GET")
	logger.Default().Debugln("  handle admin route: /admin/providers/{provider} PUT")

	router.HandleFunc("/admin/providers", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionRead); err != nil {
			core.WriteError(w, r, err)
			return
		}
		providers, err := b.credentials.Providers(r.Context())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, providers)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/providers/{provider}", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionWrite); err != nil {
			core.WriteError(w, r, err)
			return
		}
		name := mux.Vars(r)["provider"]
		var req providerRequest
		if err := b.decodeBody(r, schema.Provider, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		p := credentials.ProviderCredential{
			Provider:     name,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RedirectURL:  req.RedirectURL,
			TokenURL:     req.TokenURL,
			UserInfoURL:  req.UserInfoURL,
			Enabled:      req.Enabled == nil || *req.Enabled,
			UpdatedAt:    time.Now().UTC(),
		}
		if p.ClientSecret == "" {
			// keep the stored secret when only the settings change
			if existing, err := b.credentials.Provider(r.Context(), name); err == nil {
				p.ClientSecret = existing.ClientSecret
			}
		}
		if err := b.credentials.UpsertProvider(r.Context(), p); err != nil {
			core.WriteError(w, r, err)
			return
		}
		logger.FromContext(r.Context()).Infof("provider %s configured", name)
		core.WriteJSON(w, http.StatusOK, p)
	}).Methods(http.MethodPut)
}
