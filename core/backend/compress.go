package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

func (b *Backend) handleCompression() {

	compressionMiddleware := func(h http.Handler) http.Handler {
		compressed := handlers.CompressHandler(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// websocket upgrades need the raw connection
			if r.Header.Get("Upgrade") != "" {
				h.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
	b.router.Use(compressionMiddleware)
}
