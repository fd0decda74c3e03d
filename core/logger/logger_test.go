package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	ctx, _ := ContextWithLogger(context.Background())
	ctx, _ = ContextWithPrincipal(ctx, "admin:u1")
	data := SerializeLoggerContext(ctx)

	restored := ContextWithLoggerFromData(context.Background(), data)
	assert.Equal(t, RequestIDFromContext(ctx), RequestIDFromContext(restored))
	assert.Equal(t, "admin:u1", FromContext(restored).Data[principalLoggerKey])

	fresh := ContextWithLoggerFromData(context.Background(), []byte("not json"))
	assert.NotEmpty(t, RequestIDFromContext(fresh))
	assert.Equal(t, "{}", string(SerializeLoggerContext(context.Background())))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	id := uuid.NewString()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, id)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, id, seen)
	assert.Equal(t, id, w.Header().Get(RequestIDHeader))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "<script>")
	router.ServeHTTP(httptest.NewRecorder(), r)
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
}
