package backend

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/schema"
)

type hookRequest struct {
	TableName string         `json:"table_name"`
	EventType core.EventType `json:"event_type"`
	Enabled   *bool          `json:"enabled"`
}

type ruleRequest struct {
	Name          string          `json:"name"`
	TriggerType   string          `json:"trigger_type"`
	TableName     string          `json:"table_name"`
	EventType     core.EventType  `json:"event_type"`
	TitleTemplate string          `json:"title_template"`
	BodyTemplate  string          `json:"body_template"`
	Audience      events.Audience `json:"audience"`
	Enabled       *bool           `json:"enabled"`
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// adminOnly wraps h with the admin resource check for action
func adminOnly(action core.Action, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, action); err != nil {
			core.WriteError(w, r, err)
			return
		}
		h(w, r)
	}
}

func (b *Backend) handleHooks(router *mux.Router) {
	logger.Default().Debugln("event hooks")
	logger.Default().Debugln("  handle admin route: /admin/hooks GET,POST")
	logger.Default().Debugln("  handle admin route: /admin/hooks/{id} PATCH,DELETE")
	logger.Default().Debugln("  handle admin route: /admin/notification-rules GET,POST")
	logger.Default().Debugln("  handle admin route: /admin/notification-rules/{id} DELETE")
	logger.Default().Debugln("  handle admin route: /admin/events GET")
	logger.Default().Debugln("  handle admin route: /admin/events/drain POST")

	router.HandleFunc("/admin/hooks", adminOnly(core.ActionRead, func(w http.ResponseWriter, r *http.Request) {
		hooks, err := b.events.Hooks(r.Context())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, hooks)
	})).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/hooks", adminOnly(core.ActionWrite, func(w http.ResponseWriter, r *http.Request) {
		var req hookRequest
		if err := b.decodeBody(r, schema.Hook, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		if _, ok := b.policy.Table(req.TableName); !ok {
			core.WriteError(w, r, core.Errorf(core.KindValidation, "table '%s' is not configured", req.TableName).
				WithParams("table_name"))
			return
		}
		hook := events.Hook{TableName: req.TableName, EventType: req.EventType, Enabled: enabled(req.Enabled)}
		if err := b.events.CreateHook(r.Context(), &hook); err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusCreated, hook)
	})).Methods(http.MethodPost)

	router.HandleFunc("/admin/hooks/{id}", adminOnly(core.ActionWrite, func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := b.decodeBody(r, "", &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		if req.Enabled == nil {
			core.WriteError(w, r, core.Errorf(core.KindMissingParameter, "enabled is required").WithParams("enabled"))
			return
		}
		if err := b.events.SetHookEnabled(r.Context(), id, *req.Enabled); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodOptions, http.MethodPatch)

	router.HandleFunc("/admin/hooks/{id}", adminOnly(core.ActionDelete, func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if err := b.events.DeleteHook(r.Context(), id); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)

	router.HandleFunc("/admin/notification-rules", adminOnly(core.ActionRead, func(w http.ResponseWriter, r *http.Request) {
		rules, err := b.events.Rules(r.Context())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, rules)
	})).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/notification-rules", adminOnly(core.ActionWrite, func(w http.ResponseWriter, r *http.Request) {
		var req ruleRequest
		if err := b.decodeBody(r, schema.NotificationRule, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		rule := events.NotificationRule{
			Name:          req.Name,
			TriggerType:   req.TriggerType,
			TableName:     req.TableName,
			EventType:     req.EventType,
			TitleTemplate: req.TitleTemplate,
			BodyTemplate:  req.BodyTemplate,
			Audience:      req.Audience,
			Enabled:       enabled(req.Enabled),
		}
		if err := b.events.CreateRule(r.Context(), &rule); err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusCreated, rule)
	})).Methods(http.MethodPost)

	router.HandleFunc("/admin/notification-rules/{id}", adminOnly(core.ActionDelete, func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if err := b.events.DeleteRule(r.Context(), id); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/admin/events", adminOnly(core.ActionRead, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		list, err := b.events.Events(r.Context(), query.Get("table"), query.Get("pending") == "true", limit)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, list)
	})).Methods(http.MethodOptions, http.MethodGet)

	// drains synchronously, for deployments without a running dispatcher
	router.HandleFunc("/admin/events/drain", adminOnly(core.ActionWrite, func(w http.ResponseWriter, r *http.Request) {
		dispatched := b.dispatcher.Drain(r.Context())
		core.WriteJSON(w, http.StatusOK, map[string]int{"dispatched": dispatched})
	})).Methods(http.MethodOptions, http.MethodPost)
}
