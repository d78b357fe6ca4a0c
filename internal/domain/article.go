package domain

import "time"

// PlatformStatus is the lifecycle state of one platform sub-record.
type PlatformStatus string

// Supported platform sub-record states.
const (
	PlatformPending    PlatformStatus = "pending"
	PlatformPublishing PlatformStatus = "publishing"
	PlatformPublished  PlatformStatus = "published"
	PlatformFailed     PlatformStatus = "failed"
	PlatformUpdated    PlatformStatus = "updated"
)

// ArticleStatus is the aggregate article state derived from its platforms.
type ArticleStatus string

// Supported aggregate article states.
const (
	ArticleDraft            ArticleStatus = "draft"
	ArticlePublished        ArticleStatus = "published"
	ArticlePartialPublished ArticleStatus = "partial_published"
)

// PlatformMetadata caches the latest engagement numbers scraped for a platform.
type PlatformMetadata struct {
	Views         int64      `json:"views"`
	Likes         int64      `json:"likes"`
	Comments      int64      `json:"comments"`
	Shares        int64      `json:"shares"`
	LastScrapedAt *time.Time `json:"lastScrapedAt,omitempty"`
}

// PlatformRecord is the per-platform publish state owned by an Article.
type PlatformRecord struct {
	Platform          string           `json:"platform"`
	Status            PlatformStatus   `json:"status"`
	URL               string           `json:"url,omitempty"`
	PlatformArticleID string           `json:"platformArticleId,omitempty"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	RetryCount        int              `json:"retryCount"`
	LastAttemptAt     *time.Time       `json:"lastAttemptAt,omitempty"`
	Metadata          PlatformMetadata `json:"metadata"`
}

// Article is a user's piece of content and its distribution state.
type Article struct {
	ID         string           `json:"id"`
	OwnerID    string           `json:"ownerId"`
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	Summary    string           `json:"summary,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	CoverImage string           `json:"coverImage,omitempty"`
	Status     ArticleStatus    `json:"status"`
	Platforms  []PlatformRecord `json:"platforms"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Platform returns a pointer to the sub-record for name so callers can mutate
// it in place. The second value is false when no record exists.
func (a *Article) Platform(name string) (*PlatformRecord, bool) {
	for i := range a.Platforms {
		if a.Platforms[i].Platform == name {
			return &a.Platforms[i], true
		}
	}
	return nil, false
}

// EnsurePlatform returns the sub-record for name, appending a pending one
// first when the article has none. At most one record exists per platform.
func (a *Article) EnsurePlatform(name string) *PlatformRecord {
	if rec, ok := a.Platform(name); ok {
		return rec
	}
	a.Platforms = append(a.Platforms, PlatformRecord{Platform: name, Status: PlatformPending})
	return &a.Platforms[len(a.Platforms)-1]
}

// PublishedURL reports the live URL of the article on platform, if any.
func (a *Article) PublishedURL(platform string) (string, bool) {
	rec, ok := a.Platform(platform)
	if !ok || rec.URL == "" {
		return "", false
	}
	switch rec.Status {
	case PlatformPublished, PlatformUpdated:
		return rec.URL, true
	default:
		return "", false
	}
}

// PublishedSince reports whether the article is live on platform and its
// last publish attempt there happened at or after since. A zero since only
// checks that it is live.
func (a *Article) PublishedSince(platform string, since time.Time) bool {
	if _, ok := a.PublishedURL(platform); !ok {
		return false
	}
	if since.IsZero() {
		return true
	}
	rec, _ := a.Platform(platform)
	return rec.LastAttemptAt != nil && !rec.LastAttemptAt.Before(since)
}

// PublishInput is the article content handed to platform publishers.
func (a *Article) PublishInput() PublishInput {
	return PublishInput{
		Title:      a.Title,
		Content:    a.Content,
		Summary:    a.Summary,
		Tags:       append([]string(nil), a.Tags...),
		CoverImage: a.CoverImage,
	}
}

// Clone returns a deep copy so stores never share slices with callers.
func (a Article) Clone() Article {
	out := a
	out.Tags = append([]string(nil), a.Tags...)
	out.Platforms = append([]PlatformRecord(nil), a.Platforms...)
	return out
}

// AggregateStatus derives the article status after a publish run. All
// successes yield published, a mix yields partial_published, anything else
// keeps prev.
func AggregateStatus(prev ArticleStatus, succeeded, failed int) ArticleStatus {
	switch {
	case succeeded > 0 && failed == 0:
		return ArticlePublished
	case succeeded > 0 && failed > 0:
		return ArticlePartialPublished
	default:
		return prev
	}
}
