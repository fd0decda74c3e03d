package backend

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/backend/kss"
	"github.com/relabs-tech/bastion/core/logger"
)

// maximum size of a single stored object
const maxObjectSize = 64 << 20

func (b *Backend) handleStorage(router *mux.Router) {
	logger.Default().Debugln("storage")
	logger.Default().Debugln("  handle storage route: /storage GET")
	logger.Default().Debugln("  handle storage route: /storage/{key} GET,PUT,DELETE")

	router.HandleFunc("/storage", func(w http.ResponseWriter, r *http.Request) {
		if b.kssDriver == nil {
			core.WriteError(w, r, core.Errorf(core.KindNotFound, "storage is not configured"))
			return
		}
		prefix, err := access.ObjectListPrefix(authFrom(r), r.URL.Query().Get("prefix"))
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		objects, err := b.kssDriver.List(r.Context(), prefix)
		if err != nil {
			core.WriteError(w, r, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, objects)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/storage/{key:.+}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if b.kssDriver == nil {
			core.WriteError(w, r, core.Errorf(core.KindNotFound, "storage is not configured"))
			return
		}
		key := mux.Vars(r)["key"]
		if err := kss.ValidateKey(key); err != nil {
			core.WriteError(w, r, err)
			return
		}
		action := core.ActionFromMethod(r.Method)
		if err := access.AuthorizeObject(authFrom(r), key, action); err != nil {
			core.WriteError(w, r, err)
			return
		}

		switch r.Method {
		case http.MethodGet:
			body, object, err := b.kssDriver.Download(ctx, key)
			if err != nil {
				core.WriteError(w, r, err)
				return
			}
			defer body.Close()
			if object.ContentType != "" {
				w.Header().Set("Content-Type", object.ContentType)
			}
			if object.Size > 0 {
				w.Header().Set("Content-Length", strconv.FormatInt(object.Size, 10))
			}
			if !object.LastModified.IsZero() {
				w.Header().Set("Last-Modified", object.LastModified.UTC().Format(http.TimeFormat))
			}
			w.WriteHeader(http.StatusOK)
			if _, err := io.Copy(w, body); err != nil {
				logger.FromContext(ctx).WithError(err).Errorf("Error 4765: cannot stream object %s", key)
			}
		case http.MethodPut:
			if r.ContentLength > maxObjectSize {
				core.WriteError(w, r, core.Errorf(core.KindValidation, "object exceeds %d bytes", maxObjectSize))
				return
			}
			contentType := r.Header.Get("Content-Type")
			if err := b.kssDriver.Upload(ctx, key, http.MaxBytesReader(w, r.Body, maxObjectSize), contentType); err != nil {
				core.WriteError(w, r, err)
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/storage/%s", key))
			core.WriteJSON(w, http.StatusCreated, kss.Object{Key: key, ContentType: contentType, Size: r.ContentLength})
		case http.MethodDelete:
			if err := b.kssDriver.Delete(ctx, key); err != nil {
				core.WriteError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPut, http.MethodDelete)
}
