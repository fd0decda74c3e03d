package csql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTx(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := New(sqlDB, "bastion")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	err = db.RunInTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO ` + db.Table("t") + ` VALUES (1)`)
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = db.RunInTx(context.Background(), func(tx *sql.Tx) error {
		return errors.New("fail")
	})
	assert.EqualError(t, err, "fail")

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.Panics(t, func() {
		db.RunInTx(context.Background(), func(tx *sql.Tx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTable(t *testing.T) {
	db := New(nil, "")
	assert.Equal(t, `"public"."_hook_"`, db.Table("_hook_"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pq.Error{Code: "40001"}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &pq.Error{Code: "08006"})))
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("other")))
}
