package core

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_JSON_Unmarshalling(t *testing.T) {
	type Object struct {
		EventTypes []EventType `json:"event_types"`
	}
	var object Object
	err := json.Unmarshal([]byte(`{"event_types":["insert","update","delete"]}`), &object)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventTypeInsert, EventTypeUpdate, EventTypeDelete}, object.EventTypes)

	err = json.Unmarshal([]byte(`{"event_types":["upsert"]}`), &object)
	assert.Error(t, err, "invalid event type accepted")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("WRITE")
	require.NoError(t, err)
	assert.Equal(t, ActionWrite, a)
	_, err = ParseAction("list")
	assert.Error(t, err)

	assert.Equal(t, ActionRead, ActionFromMethod(http.MethodGet))
	assert.Equal(t, ActionWrite, ActionFromMethod(http.MethodPut))
	assert.Equal(t, ActionDelete, ActionFromMethod(http.MethodDelete))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("context: %w", Errorf(KindMissingParameter, "parameter missing").WithParams("user_id"))
	assert.True(t, errors.Is(err, ErrMissingParameter))
	assert.False(t, errors.Is(err, ErrTypeMismatch))
	assert.Equal(t, KindMissingParameter, KindOf(err))
	assert.Equal(t, KindStorage, KindOf(errors.New("boom")))

	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindForbidden.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, KindTokenExpired.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
}

func TestWriteError_HidesStorageDetails(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/data/tasks", nil)
	w := httptest.NewRecorder()
	WriteError(w, r, StorageErr(errors.New("pq: password authentication failed"), "cannot list"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")

	w = httptest.NewRecorder()
	WriteError(w, r, Errorf(KindMissingParameter, "required parameter missing").WithParams("status"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "missing_parameter", resp["error"])
	assert.Equal(t, []interface{}{"status"}, resp["parameters"])
}
