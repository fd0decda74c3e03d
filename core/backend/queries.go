package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/query"
	"github.com/relabs-tech/bastion/core/schema"
)

// queryRequest is the admin representation of a definition. Queries are
// enabled unless is_enabled says otherwise.
type queryRequest struct {
	Slug            string            `json:"slug"`
	Name            string            `json:"name"`
	SQLTemplate     string            `json:"sql_template"`
	Parameters      []query.Parameter `json:"parameters"`
	AllowWrite      bool              `json:"allow_write"`
	CacheTTLSeconds int               `json:"cache_ttl_seconds"`
	IsEnabled       *bool             `json:"is_enabled"`
}

func (q queryRequest) definition() query.Definition {
	enabled := true
	if q.IsEnabled != nil {
		enabled = *q.IsEnabled
	}
	return query.Definition{
		Slug:            q.Slug,
		Name:            q.Name,
		SQLTemplate:     q.SQLTemplate,
		Parameters:      q.Parameters,
		AllowWrite:      q.AllowWrite,
		CacheTTLSeconds: q.CacheTTLSeconds,
		IsEnabled:       enabled,
	}
}

// queryView is what admins get back
type queryView struct {
	query.Definition
	Placeholders []string `json:"placeholders"`
}

func viewOf(q *query.CompiledQuery) queryView {
	return queryView{Definition: q.Definition, Placeholders: q.Placeholders}
}

func (b *Backend) handleQueries(router *mux.Router) {
	logger.Default().Debugln("custom queries")
	logger.Default().Debugln("  handle query route: /queries/{slug}")
	logger.Default().Debugln("  handle admin route: /admin/queries GET,POST")
	logger.Default().Debugln("  handle admin route: /admin/queries/{id} GET,PUT,DELETE")

	router.HandleFunc("/queries/{slug}", b.executeQuery).Methods(
		http.MethodOptions, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete)

	router.HandleFunc("/admin/queries", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionRead); err != nil {
			core.WriteError(w, r, err)
			return
		}
		queries, err := b.queries.List(r.Context())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		views := make([]queryView, len(queries))
		for i := range queries {
			views[i] = viewOf(&queries[i])
		}
		core.WriteJSON(w, http.StatusOK, views)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/queries", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionWrite); err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req queryRequest
		if err := b.decodeBody(r, schema.QueryDefinition, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		q, err := b.queries.Create(r.Context(), req.definition())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusCreated, viewOf(q))
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/queries/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionRead); err != nil {
			core.WriteError(w, r, err)
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		q, err := b.queries.Get(r.Context(), id)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, viewOf(q))
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/queries/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionWrite); err != nil {
			core.WriteError(w, r, err)
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		var req queryRequest
		if err := b.decodeBody(r, schema.QueryDefinition, &req); err != nil {
			core.WriteError(w, r, err)
			return
		}
		q, err := b.queries.Update(r.Context(), id, req.definition())
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, viewOf(q))
	}).Methods(http.MethodPut)

	router.HandleFunc("/admin/queries/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := access.AuthorizeResource(authFrom(r), access.ResourceAdmin, core.ActionDelete); err != nil {
			core.WriteError(w, r, err)
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		if err := b.queries.Delete(r.Context(), id); err != nil {
			core.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

// executeQuery runs the query named by slug. The method must match the one
// derived from the template; GET takes parameters from the URL query, all
// other methods from a JSON object body.
func (b *Backend) executeQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth := authFrom(r)
	if auth == nil {
		core.WriteError(w, r, core.Errorf(core.KindUnauthenticated, "authentication required"))
		return
	}
	q, err := b.queries.BySlug(ctx, mux.Vars(r)["slug"])
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	if r.Method != q.Definition.HTTPMethod {
		w.Header().Set("Allow", q.Definition.HTTPMethod)
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error":   "method_not_allowed",
			"message": "query '" + q.Definition.Slug + "' must be called with " + q.Definition.HTTPMethod,
		})
		return
	}

	params := map[string]interface{}{}
	if r.Method == http.MethodGet {
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
	} else {
		if params, err = b.decodeObject(r, ""); err != nil {
			core.WriteError(w, r, err)
			return
		}
	}

	result, err := b.queries.Execute(ctx, q, params, auth)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, result)
}
