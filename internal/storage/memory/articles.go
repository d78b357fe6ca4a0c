package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// ArticleStore keeps articles keyed by id.
type ArticleStore struct {
	mu       sync.RWMutex
	articles map[string]domain.Article
}

// NewArticleStore creates an empty ArticleStore.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{articles: make(map[string]domain.Article)}
}

// FindByID implements domain.ArticleStore.
func (s *ArticleStore) FindByID(_ context.Context, id string) (domain.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.articles[id]
	if !ok {
		return domain.Article{}, domain.ErrNotFound
	}
	return article.Clone(), nil
}

// FindOneByIDAndOwner implements domain.ArticleStore.
func (s *ArticleStore) FindOneByIDAndOwner(ctx context.Context, id, ownerID string) (domain.Article, error) {
	article, err := s.FindByID(ctx, id)
	if err != nil {
		return domain.Article{}, err
	}
	if article.OwnerID != ownerID {
		return domain.Article{}, domain.ErrNotFound
	}
	return article, nil
}

// Save implements domain.ArticleStore.
func (s *ArticleStore) Save(_ context.Context, article domain.Article) error {
	if strings.TrimSpace(article.ID) == "" {
		return errors.New("article id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[article.ID] = article.Clone()
	return nil
}

// ListPublished implements domain.ArticleStore.
func (s *ArticleStore) ListPublished(_ context.Context, platform string, since time.Time) ([]domain.Article, error) {
	return s.filter(func(a *domain.Article) bool {
		return a.PublishedSince(platform, since)
	}), nil
}

// ListByOwner implements domain.ArticleStore.
func (s *ArticleStore) ListByOwner(_ context.Context, ownerID, platform string) ([]domain.Article, error) {
	return s.filter(func(a *domain.Article) bool {
		return a.OwnerID == ownerID && a.PublishedSince(platform, time.Time{})
	}), nil
}

// filter returns matching articles ordered by id.
func (s *ArticleStore) filter(keep func(*domain.Article) bool) []domain.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Article
	for _, article := range s.articles {
		if keep(&article) {
			out = append(out, article.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Article) int { return strings.Compare(a.ID, b.ID) })
	return out
}
