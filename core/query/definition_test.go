package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
)

func params(names ...string) []Parameter {
	var list []Parameter
	for _, name := range names {
		list = append(list, Parameter{Name: name, Type: TypeString, Required: true})
	}
	return list
}

func validationParams(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, core.ErrValidation), "expected validation error, got %v", err)
	var coreErr *core.Error
	require.True(t, errors.As(err, &coreErr))
	return coreErr.Params
}

func TestCompile_ReadQuery(t *testing.T) {
	q, err := Compile(Definition{
		Name:        "Active user",
		SQLTemplate: "SELECT * FROM users WHERE id = :user_id AND status = :status",
		Parameters:  params("user_id", "status"),
		IsEnabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id", "status"}, q.Placeholders)
	assert.Equal(t, "GET", q.Definition.HTTPMethod)
	assert.True(t, q.Definition.IsReadonly)
	assert.Equal(t, "users", q.Definition.PrimaryTable)
	assert.Equal(t, "active-user", q.Definition.Slug)
	assert.Equal(t, "SELECT * FROM users WHERE id = $1 AND status = $2", q.SQL)
}

func TestCompile_DeleteWithoutWriteMode(t *testing.T) {
	_, err := Compile(Definition{
		Name:        "drop order",
		SQLTemplate: "DELETE FROM orders WHERE id = :id",
		Parameters:  params("id"),
	})
	assert.Equal(t, []string{"DELETE"}, validationParams(t, err))
	assert.Contains(t, err.Error(), "DELETE")
}

func TestCompile_WriteMode(t *testing.T) {
	q, err := Compile(Definition{
		Name:        "drop order",
		SQLTemplate: "DELETE FROM orders WHERE id = :id",
		Parameters:  params("id"),
		AllowWrite:  true,
	})
	require.NoError(t, err)
	assert.False(t, q.Definition.IsReadonly)
	assert.Equal(t, "POST", q.Definition.HTTPMethod)
	assert.Equal(t, "orders", q.Definition.PrimaryTable)
	assert.Equal(t, "DELETE FROM orders WHERE id = $1", q.SQL)

	// pragma inside a literal does not make a write read-only
	q, err = Compile(Definition{
		Name:        "annotate",
		SQLTemplate: "UPDATE tasks SET note = 'pragma' WHERE id = :id",
		Parameters:  params("id"),
		AllowWrite:  true,
	})
	require.NoError(t, err)
	assert.False(t, q.Definition.IsReadonly)
	assert.Equal(t, "POST", q.Definition.HTTPMethod)

	_, err = Compile(Definition{
		Name:        "sneaky",
		SQLTemplate: "SELECT * FROM orders; DROP TABLE orders",
		AllowWrite:  true,
	})
	assert.Error(t, err)
}

func TestCompile_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		template string
		params   []Parameter
		offender []string
	}{
		{"undeclared", "SELECT * FROM t WHERE a = :a AND b = :b", params("a"), []string{"b"}},
		{"required unused", "SELECT * FROM t WHERE a = :a", params("a", "z", "c"), []string{"c", "z"}},
		{"select for update", "SELECT * FROM t WHERE a = :a FOR UPDATE", params("a"), []string{"UPDATE"}},
		{"positional", "SELECT * FROM t WHERE a = $1", nil, []string{"$1"}},
		{"two statements", "SELECT 1; SELECT 2", nil, []string{"sql_template"}},
		{"not a select", "WITH x AS (SELECT 1) SELECT * FROM x", nil, []string{"sql_template"}},
		{"unterminated", "SELECT * FROM t WHERE a = 'x", nil, []string{"sql_template"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(Definition{Name: "q", SQLTemplate: tc.template, Parameters: tc.params})
			assert.Equal(t, tc.offender, validationParams(t, err))
		})
	}

	_, err := Compile(Definition{Name: "q", SQLTemplate: "SELECT 1", Parameters: []Parameter{{Name: "a", Type: "uuid"}}})
	validationParams(t, err)
	_, err = Compile(Definition{Name: "q", SQLTemplate: "SELECT 1", Parameters: []Parameter{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString}}})
	validationParams(t, err)
	_, err = Compile(Definition{Name: " ", SQLTemplate: "SELECT 1"})
	assert.Equal(t, []string{"name"}, validationParams(t, err))
}

func TestCompile_OptionalParameterNotInTemplate(t *testing.T) {
	q, err := Compile(Definition{
		Name:        "q",
		SQLTemplate: "SELECT * FROM t",
		Parameters:  []Parameter{{Name: "unused", Type: TypeNumber}},
	})
	require.NoError(t, err)
	assert.Empty(t, q.Placeholders)
}

func TestExtractPlaceholders(t *testing.T) {
	template := `SELECT a::text, ':skip' AS lit, "col:umn", $$ :dollar $$
-- :comment
FROM t /* :block */ WHERE x = :first AND y = :second OR z = :first`
	names, err := ExtractPlaceholders(template)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names)

	again, err := ExtractPlaceholders(template)
	require.NoError(t, err)
	assert.Equal(t, names, again)

	tokens, err := lex(template)
	require.NoError(t, err)
	rewritten := rewrite(template, tokens, names)
	assert.Contains(t, rewritten, "x = $1 AND y = $2 OR z = $1")
	assert.Contains(t, rewritten, "a::text")
	assert.Contains(t, rewritten, "':skip'")
}

func TestPrimaryTable(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM public.users u JOIN orders o ON o.user_id = u.id": "users",
		`SELECT count(*) FROM "Orders"`:                                  "Orders",
		"SELECT * FROM ONLY tasks WHERE id IN (SELECT id FROM other)":    "tasks",
		"SELECT (SELECT max(x) FROM inner_t) AS m FROM outer_t":          "outer_t",
		"INSERT INTO tasks (title) VALUES ('x')":                         "tasks",
		"UPDATE tasks SET done = true":                                   "tasks",
		"SELECT 1":                                                       "",
	}
	for sql, want := range cases {
		tokens, err := lex(sql)
		require.NoError(t, err)
		assert.Equal(t, want, primaryTable(tokens), sql)
	}
}
