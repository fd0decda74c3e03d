package schema_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	top_level1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
	top_level2 = `
	{ "$id" : "http://some_host.com/top2.json",
	  "allOf" : [
 		{ "$ref" : "http://some_host.com/string.json" },
 		{ "type": "string", "minlength": 3 }
	  ]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{top_level1, top_level2}, []string{ref1, ref2})
	require.NoError(t, err)

	schemaID1 := "http://some_host.com/top1.json"
	schemaID2 := "http://some_host.com/top2.json"

	assert.NoError(t, v.ValidateString(`"short"`, schemaID1))
	assert.Error(t, v.ValidateString(`"a very long string"`, schemaID1))
	assert.NoError(t, v.ValidateString(`"a very long string"`, schemaID2))
	assert.Error(t, v.ValidateString(`12`, schemaID2))

	assert.True(t, v.HasSchema(schemaID1))
	assert.False(t, v.HasSchema("http://some_host.com/unknown.json"))
	assert.Error(t, v.ValidateString(`"short"`, "http://some_host.com/unknown.json"))
}

func TestNewValidator_MissingID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"string"}`}, nil)
	assert.Error(t, err)
}

func TestAdminValidator(t *testing.T) {
	v, err := schema.NewAdminValidator()
	require.NoError(t, err)
	for _, id := range []string{
		schema.QueryDefinition, schema.APIKey, schema.Hook, schema.NotificationRule,
		schema.RealtimeSubscription, schema.PushSubscription, schema.Provider,
		schema.AdminLogin, schema.OAuthCallback,
	} {
		assert.True(t, v.HasSchema(id), id)
	}

	err = v.ValidateString(`{
		"name": "active users",
		"sql_template": "SELECT * FROM users WHERE id = :user_id",
		"parameters": [{"name": "user_id", "type": "string", "required": true}],
		"cache_ttl_seconds": 60
	}`, schema.QueryDefinition)
	assert.NoError(t, err)

	err = v.ValidateString(`{"sql_template": "SELECT 1", "cache_ttl_seconds": -1}`, schema.QueryDefinition)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
	var e *core.Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Params, "name")
	assert.Contains(t, e.Params, "cache_ttl_seconds")

	err = v.ValidateString(`{"name": "k", "scopes": ["data:publish"]}`, schema.APIKey)
	assert.True(t, errors.Is(err, core.ErrValidation))

	err = v.ValidateString(`{"table_name": "tasks", "event_type": "upsert"}`, schema.Hook)
	assert.True(t, errors.Is(err, core.ErrValidation))
	assert.NoError(t, v.ValidateString(`{"table_name": "tasks", "event_type": "insert"}`, schema.Hook))

	err = v.ValidateString(`not json`, schema.Hook)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestMerge(t *testing.T) {
	v, err := schema.NewAdminValidator()
	require.NoError(t, err)
	rows, err := schema.NewValidator([]string{top_level1}, []string{ref1, ref2})
	require.NoError(t, err)
	v.Merge(rows)
	assert.True(t, v.HasSchema("http://some_host.com/top1.json"))
	assert.True(t, v.HasSchema(schema.Hook))
}
