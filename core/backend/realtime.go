package backend

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

type subscriptionRequest struct {
	ClientID         string     `json:"client_id"`
	TableName        string     `json:"table_name"`
	HookID           *uuid.UUID `json:"hook_id"`
	FilterOwner      bool       `json:"filter_owner"`
	ExpiresInSeconds int        `json:"expires_in_seconds"`
}

// callerID identifies the caller as the owner of subscriptions
func callerID(auth access.AuthContext) (string, error) {
	if auth == nil {
		return "", core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	id := access.UserID(auth)
	if id == "" {
		return "", core.Errorf(core.KindForbidden, "%s cannot own subscriptions", auth.Principal())
	}
	return id, nil
}

func (b *Backend) handleRealtime(router *mux.Router) {
	logger.Default().Debugln("realtime")
	logger.Default().Debugln("  handle realtime route: /realtime GET")
	logger.Default().Debugln("  handle realtime route: /realtime/subscriptions GET,POST")
	logger.Default().Debugln("  handle realtime route: /realtime/subscriptions/{id} DELETE")

	router.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, err := callerID(authFrom(r))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			core.WriteError(w, r, core.Errorf(core.KindMissingParameter, "client_id is required").WithParams("client_id"))
			return
		}
		subs, err := b.events.SubscriptionsByClient(ctx, clientID)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		owned := false
		for _, sub := range subs {
			owned = owned || sub.UserID == userID
		}
		if !owned {
			core.WriteError(w, r, core.Errorf(core.KindNotFound, "realtime client not found"))
			return
		}
		if err := b.hub.Serve(w, r, userID, clientID); err != nil {
			// the upgrader has already answered the request
			logger.FromContext(ctx).WithError(err).Infof("realtime upgrade for %s failed", clientID)
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/realtime/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		a := authFrom(r)
		userID, err := callerID(a)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req subscriptionRequest
		if err := b.decodeBody(r, schema.RealtimeSubscription, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		sub := events.RealtimeSubscription{
			ClientID:    req.ClientID,
			TableName:   req.TableName,
			HookID:      req.HookID,
			UserID:      userID,
			FilterOwner: req.FilterOwner,
		}
		if _, isAdmin := a.(access.Admin); !isAdmin {
			// end users only hear about what they may read
			if sub.TableName == "" {
				core.WriteError(w, r, core.Errorf(core.KindMissingParameter, "table_name is required").WithParams("table_name"))
				return
			}
			filter, err := b.policy.Authorize(a, sub.TableName, core.ActionRead)
			if err != nil {
				core.WriteError(w, r, err)
				return
			}
			if !filter.Unrestricted() {
				sub.FilterOwner = true
			}
		}
		if req.ExpiresInSeconds > 0 {
			expires := time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
			sub.ExpiresAt = &expires
		}
		if err := b.events.CreateSubscription(r.Context(), &sub); err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusCreated, sub)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/realtime/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(authFrom(r))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			core.WriteError(w, r, core.Errorf(core.KindMissingParameter, "client_id is required").WithParams("client_id"))
			return
		}
		subs, err := b.events.SubscriptionsByClient(r.Context(), clientID)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		own := []events.RealtimeSubscription{}
		for _, sub := range subs {
			if sub.UserID == userID {
				own = append(own, sub)
			}
		}
		core.WriteJSON(w, http.StatusOK, own)
	}).Methods(http.MethodGet)

	router.HandleFunc("/realtime/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(authFrom(r))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if err := b.events.DeleteSubscription(r.Context(), id, userID); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
