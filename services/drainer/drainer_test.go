package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	var calls int
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/admin/events/drain", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer bsk_test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"dispatched":3}`))
	}))
	defer srv.Close()

	d := newDrainer(&Service{ServerURL: srv.URL, APIKey: "bsk_test"})
	d.client.SetRetryCount(0)
	batch := events.SQSEvent{Records: []events.SQSMessage{{Body: `{"wake":1}`}, {Body: `{"wake":2}`}}}

	require.NoError(t, d.handle(context.Background(), batch))
	assert.Equal(t, 1, calls)

	status = http.StatusForbidden
	assert.Error(t, d.handle(context.Background(), batch))
}
