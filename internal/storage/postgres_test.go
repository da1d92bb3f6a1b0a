package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := NewPostgres(db)
	p.now = func() time.Time { return now }
	return p, mock, now
}

func TestPostgres_Get(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(pgGetQuery)).
		WithArgs("users:1", now).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"1"}`)))

	got, err := p.Get(context.Background(), "users:1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(pgGetQuery)).
		WithArgs("users:404", now).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := p.Get(context.Background(), "users:404")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetDBError(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(pgGetQuery)).
		WillReturnError(errors.New("connection reset"))

	_, err := p.Get(context.Background(), "users:1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgres_PutWithTTL(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(pgPutQuery)).
		WithArgs("sessions:s1", []byte("v"), now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(context.Background(), "sessions:s1", []byte("v"), time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutWithoutTTL(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(pgPutQuery)).
		WithArgs("users:1", []byte("v"), nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(context.Background(), "users:1", []byte("v"), 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Delete(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(pgDeleteQuery)).
		WithArgs("sessions:s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Delete(context.Background(), "sessions:s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListEscapesLike(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(pgListQuery)).
		WithArgs(`user\_sessions:u1:%`, now).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("user_sessions:u1:a").
			AddRow("user_sessions:u1:b"))

	keys, err := p.List(context.Background(), "user_sessions:u1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_sessions:u1:a", "user_sessions:u1:b"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PurgeExpired(t *testing.T) {
	p, mock, now := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(pgPurgeQuery)).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := p.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestRunMigrations_UsesEmbeddedDir(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	called := false
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		called = true
		assert.Equal(t, ".", dir)
		return nil
	}

	require.NoError(t, RunMigrations(context.Background(), db))
	assert.True(t, called)
}

func TestRunMigrations_PropagatesError(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	assert.EqualError(t, RunMigrations(context.Background(), db), "boom")
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, escapeLike(`100%_a\b`))
}
