package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks access to a resource the caller does not own.
	ErrUnauthorized = errors.New("not found or unauthorized")
)

// ArticleStore persists articles and their platform sub-records.
type ArticleStore interface {
	FindByID(ctx context.Context, id string) (Article, error)
	// FindOneByIDAndOwner returns ErrNotFound when the article is missing or
	// belongs to another user.
	FindOneByIDAndOwner(ctx context.Context, id, ownerID string) (Article, error)
	// Save upserts the article and its platform sub-records keyed by platform.
	Save(ctx context.Context, article Article) error
	// ListPublished returns articles with a live URL on platform whose last
	// publish attempt there was at or after since. A zero since returns all.
	ListPublished(ctx context.Context, platform string, since time.Time) ([]Article, error)
	// ListByOwner returns the owner's articles with a live URL on platform.
	ListByOwner(ctx context.Context, ownerID, platform string) ([]Article, error)
}

// StatsStore persists engagement snapshots.
type StatsStore interface {
	CreateSnapshot(ctx context.Context, snap ArticleStats) error
	// LatestSnapshot returns ErrNotFound when no snapshot exists for the pair.
	LatestSnapshot(ctx context.Context, articleID, platform string) (ArticleStats, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CommentStore persists comment snapshots.
type CommentStore interface {
	SaveComments(ctx context.Context, snap CommentSnapshot) error
}

// CredentialStore exposes platform credentials.
type CredentialStore interface {
	FindActiveCredentials(ctx context.Context) ([]PlatformCredential, error)
	FindByUser(ctx context.Context, userID string) ([]PlatformCredential, error)
}

// NotificationStore persists delivered notifications for the in-app inbox.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (string, error)
}

// BlobStore writes opaque artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// PublishInput is the content handed to a platform publisher.
type PublishInput struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	CoverImage string   `json:"coverImage,omitempty"`
}

// PublishResult is what a platform publisher reports for one attempt.
type PublishResult struct {
	Success           bool
	URL               string
	PlatformArticleID string
	Error             string
}

// Publisher submits an article to one platform.
type Publisher interface {
	Publish(ctx context.Context, creds Credentials, article PublishInput) (PublishResult, error)
}

// Scraper reads engagement data for one platform.
type Scraper interface {
	ScrapeArticleStats(ctx context.Context, url string) (Stats, error)
	ScrapeComments(ctx context.Context, url string, limit int) ([]Comment, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Sleeper pauses the caller for d or until ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
