package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/apikey"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

func (b *Backend) handleAPIKeys(router *mux.Router) {
	logger.Default().Debugln("api keys")
	logger.Default().Debugln("  handle admin route: /admin/api-keys GET,POST")
	logger.Default().Debugln("  handle admin route: /admin/api-keys/{id} DELETE")

	router.HandleFunc("/admin/api-keys", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		if err := access.AuthorizeResource(a, access.ResourceAdmin, core.ActionRead); err != nil {
			core.WriteError(w, r, err)
			return
		}
		keys, err := b.keys.List(r.Context(), access.UserID(a))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, keys)
	}).Methods(http.MethodOptions, http.MethodGet)

	// the full key is only ever returned here
	router.HandleFunc("/admin/api-keys", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		if err := access.AuthorizeResource(a, access.ResourceAdmin, core.ActionWrite); err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req apikey.CreateRequest
		if err := b.decodeBody(r, schema.APIKey, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		created, err := b.keys.Create(r.Context(), req, access.UserID(a))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		core.WriteJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/api-keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		if err := access.AuthorizeResource(a, access.ResourceAdmin, core.ActionDelete); err != nil {
			core.WriteError(w, r, err)
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if r.URL.Query().Get("hard") == "true" {
			err = b.keys.Delete(r.Context(), id, access.UserID(a))
		} else {
			_, err = b.keys.Revoke(r.Context(), id, access.UserID(a))
		}
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
