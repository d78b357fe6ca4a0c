package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/multipublish/internal/domain"
)

var articleColumns = []string{
	"id", "owner_id", "title", "content", "summary", "tags", "cover_image", "status", "created_at", "updated_at",
}

var platformColumns = []string{
	"article_id", "platform", "status", "url", "platform_article_id", "error_message", "retry_count",
	"last_attempt_at", "views", "likes", "comments", "shares", "last_scraped_at",
}

var liveStatuses = []string{string(domain.PlatformPublished), string(domain.PlatformUpdated)}

// ArticleStore persists articles and their platform sub-records.
type ArticleStore struct {
	db DB
}

// NewArticleStore builds an ArticleStore on db.
func NewArticleStore(db DB) (*ArticleStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ArticleStore{db: db}, nil
}

// FindByID implements domain.ArticleStore.
func (s *ArticleStore) FindByID(ctx context.Context, id string) (domain.Article, error) {
	return s.findOne(ctx, sq.Eq{"id": id})
}

// FindOneByIDAndOwner implements domain.ArticleStore.
func (s *ArticleStore) FindOneByIDAndOwner(ctx context.Context, id, ownerID string) (domain.Article, error) {
	return s.findOne(ctx, sq.Eq{"id": id, "owner_id": ownerID})
}

// Save upserts the article row and every platform sub-record in one
// transaction.
func (s *ArticleStore) Save(ctx context.Context, article domain.Article) error {
	if article.ID == "" {
		return errors.New("article id is required")
	}
	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		upsert := psql.Insert("articles").
			Columns(articleColumns...).
			Values(article.ID, article.OwnerID, article.Title, article.Content, article.Summary,
				nonNilTags(article.Tags), article.CoverImage, string(article.Status), article.CreatedAt, article.UpdatedAt).
			Suffix(`ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content,
				summary = EXCLUDED.summary, tags = EXCLUDED.tags, cover_image = EXCLUDED.cover_image,
				status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`)
		if _, err := exec(ctx, tx, upsert, "upsert article"); err != nil {
			return err
		}
		for _, rec := range article.Platforms {
			if _, err := exec(ctx, tx, platformUpsert(article.ID, rec), "upsert article platform"); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPublished implements domain.ArticleStore.
func (s *ArticleStore) ListPublished(ctx context.Context, platform string, since time.Time) ([]domain.Article, error) {
	where := sq.And{
		sq.Eq{"p.platform": platform, "p.status": liveStatuses},
		sq.NotEq{"p.url": ""},
	}
	if !since.IsZero() {
		where = append(where, sq.GtOrEq{"p.last_attempt_at": since})
	}
	return s.list(ctx, where)
}

// ListByOwner implements domain.ArticleStore.
func (s *ArticleStore) ListByOwner(ctx context.Context, ownerID, platform string) ([]domain.Article, error) {
	return s.list(ctx, sq.And{
		sq.Eq{"a.owner_id": ownerID, "p.platform": platform, "p.status": liveStatuses},
		sq.NotEq{"p.url": ""},
	})
}

func (s *ArticleStore) findOne(ctx context.Context, where sq.Sqlizer) (domain.Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").Where(where).ToSql()
	if err != nil {
		return domain.Article{}, fmt.Errorf("build article query: %w", err)
	}
	article, err := scanArticle(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("load article: %w", err)
	}
	platforms, err := s.loadPlatforms(ctx, []string{article.ID})
	if err != nil {
		return domain.Article{}, err
	}
	article.Platforms = platforms[article.ID]
	return article, nil
}

func (s *ArticleStore) list(ctx context.Context, where sq.Sqlizer) ([]domain.Article, error) {
	cols := make([]string, len(articleColumns))
	for i, c := range articleColumns {
		cols[i] = "a." + c
	}
	query, args, err := psql.Select(cols...).
		From("articles a").
		Join("article_platforms p ON p.article_id = a.id").
		Where(where).
		OrderBy("a.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build article list: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var (
		articles []domain.Article
		ids      []string
	)
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, article)
		ids = append(ids, article.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	if len(articles) == 0 {
		return nil, nil
	}

	platforms, err := s.loadPlatforms(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range articles {
		articles[i].Platforms = platforms[articles[i].ID]
	}
	return articles, nil
}

func (s *ArticleStore) loadPlatforms(ctx context.Context, articleIDs []string) (map[string][]domain.PlatformRecord, error) {
	query, args, err := psql.Select(platformColumns...).
		From("article_platforms").
		Where(sq.Eq{"article_id": articleIDs}).
		OrderBy("article_id", "platform").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build platform query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load article platforms: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.PlatformRecord, len(articleIDs))
	for rows.Next() {
		var (
			articleID string
			rec       domain.PlatformRecord
			status    string
		)
		if err := rows.Scan(
			&articleID, &rec.Platform, &status, &rec.URL, &rec.PlatformArticleID, &rec.ErrorMessage,
			&rec.RetryCount, &rec.LastAttemptAt, &rec.Metadata.Views, &rec.Metadata.Likes,
			&rec.Metadata.Comments, &rec.Metadata.Shares, &rec.Metadata.LastScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("scan article platform: %w", err)
		}
		rec.Status = domain.PlatformStatus(status)
		out[articleID] = append(out[articleID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article platforms: %w", err)
	}
	return out, nil
}

func platformUpsert(articleID string, rec domain.PlatformRecord) sq.InsertBuilder {
	return psql.Insert("article_platforms").
		Columns(platformColumns...).
		Values(articleID, rec.Platform, string(rec.Status), rec.URL, rec.PlatformArticleID, rec.ErrorMessage,
			rec.RetryCount, rec.LastAttemptAt, rec.Metadata.Views, rec.Metadata.Likes, rec.Metadata.Comments,
			rec.Metadata.Shares, rec.Metadata.LastScrapedAt).
		Suffix(`ON CONFLICT (article_id, platform) DO UPDATE SET status = EXCLUDED.status, url = EXCLUDED.url,
			platform_article_id = EXCLUDED.platform_article_id, error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count, last_attempt_at = EXCLUDED.last_attempt_at,
			views = EXCLUDED.views, likes = EXCLUDED.likes, comments = EXCLUDED.comments,
			shares = EXCLUDED.shares, last_scraped_at = EXCLUDED.last_scraped_at`)
}

func scanArticle(row pgx.Row) (domain.Article, error) {
	var (
		article domain.Article
		status  string
	)
	err := row.Scan(
		&article.ID, &article.OwnerID, &article.Title, &article.Content, &article.Summary,
		&article.Tags, &article.CoverImage, &status, &article.CreatedAt, &article.UpdatedAt,
	)
	if err != nil {
		return domain.Article{}, err //nolint:wrapcheck // callers wrap with context
	}
	article.Status = domain.ArticleStatus(status)
	return article, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
