package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler/internal/models"
)

func TestStore_WithinTxCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reconciliation_events`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO account_snapshots`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	store := NewStore(db)
	err = store.WithinTx(context.Background(), func(q *Queries) error {
		if err := q.AppendEvent(context.Background(), models.NewEvent(models.EventSync, 7, models.SeverityInfo, nil)); err != nil {
			return err
		}
		return q.InsertSnapshot(context.Background(), &models.AccountSnapshot{UserID: 7, Equity: 100, PeakEquity: 100})
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reconciliation_events`).WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err = NewStore(db).WithinTx(context.Background(), func(q *Queries) error {
		return q.AppendEvent(context.Background(), models.NewEvent(models.EventSync, 7, models.SeverityInfo, nil))
	})

	assert.EqualError(t, err, "constraint")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithinTxRollsBackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = NewStore(db).WithinTx(context.Background(), func(q *Queries) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnError(errors.New("permission denied"))

	err = Migrate(context.Background(), db)
	assert.ErrorContains(t, err, "migration step 1")
}
