package domain

import "time"

// Stats is one set of engagement counters.
type Stats struct {
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Collects int64 `json:"collects"`
}

// Sub returns the field-wise difference s - other.
func (s Stats) Sub(other Stats) Stats {
	return Stats{
		Views:    s.Views - other.Views,
		Likes:    s.Likes - other.Likes,
		Comments: s.Comments - other.Comments,
		Shares:   s.Shares - other.Shares,
		Collects: s.Collects - other.Collects,
	}
}

// ArticleStats is an immutable point-in-time snapshot for one article on one
// platform. Previous and Growth are set only when an earlier snapshot for the
// same article and platform exists.
type ArticleStats struct {
	ID          string    `json:"id"`
	ArticleID   string    `json:"articleId"`
	Platform    string    `json:"platform"`
	Stats       Stats     `json:"stats"`
	CollectedAt time.Time `json:"collectedAt"`
	Previous    *Stats    `json:"previousStats,omitempty"`
	Growth      *Stats    `json:"growth,omitempty"`
}

// NewSnapshot builds a snapshot and computes growth against prev. A prev that
// belongs to another article or platform is ignored.
func NewSnapshot(id, articleID, platform string, current Stats, prev *ArticleStats, at time.Time) ArticleStats {
	snap := ArticleStats{
		ID:          id,
		ArticleID:   articleID,
		Platform:    platform,
		Stats:       current,
		CollectedAt: at,
	}
	if prev == nil || prev.ArticleID != articleID || prev.Platform != platform {
		return snap
	}
	previous := prev.Stats
	growth := current.Sub(previous)
	snap.Previous = &previous
	snap.Growth = &growth
	return snap
}

// Comment is one scraped reader comment.
type Comment struct {
	Author   string     `json:"author"`
	Content  string     `json:"content"`
	Likes    int64      `json:"likes"`
	PostedAt *time.Time `json:"postedAt,omitempty"`
}

// CommentSnapshot is the set of comments captured in one scrape.
type CommentSnapshot struct {
	ID          string    `json:"id"`
	ArticleID   string    `json:"articleId"`
	Platform    string    `json:"platform"`
	Comments    []Comment `json:"comments"`
	ArchiveURI  string    `json:"archiveUri,omitempty"`
	CollectedAt time.Time `json:"collectedAt"`
}
