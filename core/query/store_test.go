package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/csql"
)

var storeColumns = []string{"id", "slug", "name", "sql_template", "parameters", "allow_write", "cache_ttl_seconds",
	"is_enabled", "http_method", "is_readonly", "primary_table", "compiled_sql", "placeholders", "created_at", "updated_at"}

func TestPostgresStore(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	s := NewPostgresStore(csql.New(sqlDB, "bastion"))
	ctx := context.Background()

	q, err := Compile(Definition{
		Name:        "user",
		SQLTemplate: "SELECT * FROM users WHERE id = :id",
		Parameters:  []Parameter{{Name: "id", Type: TypeString, Required: true}},
		IsEnabled:   true,
	})
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO "bastion"."_custom_query_"`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.InsertQuery(ctx, q))

	mock.ExpectExec(`INSERT INTO "bastion"."_custom_query_"`).WillReturnError(&pq.Error{Code: "23505"})
	err = s.InsertQuery(ctx, q)
	assert.True(t, errors.Is(err, core.ErrValidation))

	mock.ExpectQuery(`FROM "bastion"."_custom_query_" WHERE slug = \$1`).WithArgs("user").
		WillReturnRows(sqlmock.NewRows(storeColumns).AddRow(
			q.Definition.ID.String(), "user", "user", q.Definition.SQLTemplate,
			[]byte(`[{"name":"id","type":"string","required":true}]`), false, 0, true, "GET", true, "users",
			q.SQL, "{id}", now, now))
	got, err := s.QueryBySlug(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, q.SQL, got.SQL)
	assert.Equal(t, []string{"id"}, got.Placeholders)
	assert.Equal(t, q.Definition.Parameters, got.Definition.Parameters)

	mock.ExpectQuery(`WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(storeColumns))
	_, err = s.QueryByID(ctx, q.Definition.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	mock.ExpectExec(`DELETE FROM "bastion"."_custom_query_"`).WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.DeleteQuery(ctx, q.Definition.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
