package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

type pushRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (b *Backend) handlePush(router *mux.Router) {
	logger.Default().Debugln("push")
	logger.Default().Debugln("  handle push route: /push/subscriptions GET,POST")
	logger.Default().Debugln("  handle push route: /push/subscriptions/{id} DELETE")

	router.HandleFunc("/push/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(authFrom(r))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req pushRequest
		if err := b.decodeBody(r, schema.PushSubscription, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		sub := events.PushSubscription{UserID: userID, Endpoint: req.Endpoint, P256dh: req.P256dh, Auth: req.Auth}
		if err := b.events.CreatePushSubscription(r.Context(), &sub); err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusCreated, sub)
	}).Methods(http.MethodOptions, http.MethodPost)

	// admins see every subscription
	router.HandleFunc("/push/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		userID, err := callerID(a)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if _, isAdmin := a.(access.Admin); isAdmin {
			userID = ""
		}
		subs, err := b.events.PushSubscriptions(r.Context(), userID)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, subs)
	}).Methods(http.MethodGet)

	router.HandleFunc("/push/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		userID, err := callerID(a)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if _, isAdmin := a.(access.Admin); isAdmin {
			userID = ""
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if err := b.events.DeletePushSubscription(r.Context(), id, userID); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
