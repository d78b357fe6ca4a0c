package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/domain"
)

var testNow = time.Unix(1700000000, 0).UTC()

func TestFindOneByIDAndOwnerMapsMissingRowToNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM articles WHERE id").
		WithArgs("A1", "intruder").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.FindOneByIDAndOwner(context.Background(), "A1", "intruder")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDLoadsPlatformRecords(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM articles WHERE id").
		WithArgs("A1").
		WillReturnRows(articleRows().AddRow(articleRow("A1")...))
	attempt := testNow.Add(-time.Hour)
	mock.ExpectQuery("FROM article_platforms WHERE article_id IN").
		WithArgs("A1").
		WillReturnRows(pgxmock.NewRows(platformColumns).
			AddRow("A1", "csdn", "published", "https://csdn/1", "c-1", "", 0, &attempt,
				int64(10), int64(2), int64(1), int64(0), (*time.Time)(nil)).
			AddRow("A1", "juejin", "failed", "", "", "timeout", 2, &attempt,
				int64(0), int64(0), int64(0), int64(0), (*time.Time)(nil)))

	article, err := store.FindByID(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, "owner-1", article.OwnerID)
	require.Equal(t, []string{"go"}, article.Tags)
	require.Len(t, article.Platforms, 2)
	require.Equal(t, domain.PlatformPublished, article.Platforms[0].Status)
	require.Equal(t, int64(10), article.Platforms[0].Metadata.Views)
	require.Equal(t, "timeout", article.Platforms[1].ErrorMessage)
	require.Equal(t, 2, article.Platforms[1].RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUpsertsArticleAndPlatformsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	article := testArticle()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles").
		WithArgs("A1", "owner-1", "Title", "Body", "", []string{}, "", "draft", testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO article_platforms").
		WithArgs("A1", "csdn", "pending", "", "", "", 0, (*time.Time)(nil),
			int64(0), int64(0), int64(0), int64(0), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), article))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackWhenPlatformUpsertFails(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO article_platforms").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err = store.Save(context.Background(), testArticle())
	require.ErrorContains(t, err, "upsert article platform")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)
	require.Error(t, store.Save(context.Background(), domain.Article{}))
}

func TestListPublishedFiltersLiveRecordsSince(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	since := testNow.Add(-7 * 24 * time.Hour)
	mock.ExpectQuery("FROM articles a JOIN article_platforms p").
		WithArgs("csdn", "published", "updated", "", since).
		WillReturnRows(articleRows().AddRow(articleRow("A1")...).AddRow(articleRow("A2")...))
	mock.ExpectQuery("FROM article_platforms WHERE article_id IN").
		WithArgs("A1", "A2").
		WillReturnRows(pgxmock.NewRows(platformColumns).
			AddRow("A2", "csdn", "updated", "https://csdn/2", "", "", 0, &testNow,
				int64(0), int64(0), int64(0), int64(0), (*time.Time)(nil)))

	articles, err := store.ListPublished(context.Background(), "csdn", since)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	require.Empty(t, articles[0].Platforms)
	require.Len(t, articles[1].Platforms, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByOwnerReturnsNilWhenEmpty(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM articles a JOIN article_platforms p").
		WithArgs("owner-1", "csdn", "published", "updated", "").
		WillReturnRows(articleRows())

	articles, err := store.ListByOwner(context.Background(), "owner-1", "csdn")
	require.NoError(t, err)
	require.Nil(t, articles)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"postgres://u:p@db:5432/app":   "pgx5://u:p@db:5432/app",
		"postgresql://u:p@db:5432/app": "pgx5://u:p@db:5432/app",
		"pgx5://db/app":                "pgx5://db/app",
	}
	for in, want := range cases {
		require.Equal(t, want, migrationURL(in), in)
	}
}

func articleRows() *pgxmock.Rows {
	return pgxmock.NewRows(articleColumns)
}

func articleRow(id string) []any {
	return []any{id, "owner-1", "Title", "Body", "", []string{"go"}, "", "published", testNow, testNow}
}

func testArticle() domain.Article {
	return domain.Article{
		ID:        "A1",
		OwnerID:   "owner-1",
		Title:     "Title",
		Content:   "Body",
		Status:    domain.ArticleDraft,
		Platforms: []domain.PlatformRecord{{Platform: "csdn", Status: domain.PlatformPending}},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}
