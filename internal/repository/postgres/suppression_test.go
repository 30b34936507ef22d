package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestSuppressionInsert(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	ctx := context.Background()
	e := &domain.SuppressionEntry{
		Email: "a@x.test", Category: domain.CategoryBounce, OriginAccount: "acct-1",
		FirstSeen: time.Now().UTC(), Version: 7,
	}

	insert := `INSERT INTO suppression_entries .+ NOT EXISTS .+ FROM suppression_tombstones`
	mock.ExpectExec(insert).
		WithArgs("a@x.test", "BOUNCE", "acct-1", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("a@x.test", "BOUNCE", "acct-1", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.Insert(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Insert(ctx, e)
	require.NoError(t, err)
	assert.False(t, created, "conflict leaves the first entry in place")
}

func TestSuppressionGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM suppression_entries WHERE email = $1 AND category = $2")).
		WithArgs("gone@x.test", "UNSUBSCRIBE").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "gone@x.test", domain.CategoryUnsubscribe)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSuppressionGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	seen := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM suppression_entries WHERE email = $1 AND category = $2")).
		WithArgs("a@x.test", "BOUNCE").
		WillReturnRows(sqlmock.NewRows([]string{"email", "category", "origin_account", "first_seen", "version"}).
			AddRow("a@x.test", "BOUNCE", "acct-9", seen, int64(3)))

	e, err := repo.Get(context.Background(), "a@x.test", domain.CategoryBounce)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryBounce, e.Category)
	assert.Equal(t, "acct-9", e.OriginAccount)
	assert.Equal(t, int64(3), e.Version)
	assert.True(t, seen.Equal(e.FirstSeen))
}

func TestSuppressionDelete(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	ctx := context.Background()

	del := `INSERT INTO suppression_tombstones .+ DELETE FROM suppression_entries`
	mock.ExpectExec(del).WithArgs("a@x.test", "BOUNCE", int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs("a@x.test", "BOUNCE", int64(10)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(ctx, "a@x.test", domain.CategoryBounce, 9))
	assert.ErrorIs(t, repo.Delete(ctx, "a@x.test", domain.CategoryBounce, 10), domain.ErrNotFound)
}

func TestSuppressionPageUsesKeyset(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE (email, category) > ($1, $2)")).
		WithArgs("b@x.test", "BOUNCE", 2).
		WillReturnRows(sqlmock.NewRows([]string{"email", "category", "origin_account", "first_seen", "version"}).
			AddRow("b@x.test", "UNSUBSCRIBE", "acct-1", now, int64(1)).
			AddRow("c@x.test", "BOUNCE", "acct-2", now, int64(2)))

	page, err := repo.Page(context.Background(), suppression.Cursor{Email: "b@x.test", Category: domain.CategoryBounce}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, domain.CategoryUnsubscribe, page[0].Category)
	assert.Equal(t, "c@x.test", page[1].Email)

	next := suppression.CursorAfter(page[1])
	assert.Equal(t, "c@x.test", next.Email)
}

func TestSuppressionCount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM suppression_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
