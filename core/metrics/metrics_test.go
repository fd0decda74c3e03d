package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument(t *testing.T) {
	router := mux.NewRouter()
	router.Use(Instrument)
	router.HandleFunc("/data/{table}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Handle("/metrics", Handler())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/data/{table}", "418"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/tasks", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/data/{table}", "418")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bastion_http_requests_total"))
}

func TestRecordCache(t *testing.T) {
	before := testutil.ToFloat64(CacheHits.WithLabelValues("test"))
	RecordCacheHit("test")
	assert.Equal(t, before+1, testutil.ToFloat64(CacheHits.WithLabelValues("test")))
	RecordCacheMiss("test")
	assert.Equal(t, float64(1), testutil.ToFloat64(CacheMisses.WithLabelValues("test")))
}
