package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// CommentStore persists comment snapshots with the comments as JSONB.
type CommentStore struct {
	db DB
}

// NewCommentStore builds a CommentStore on db.
func NewCommentStore(db DB) (*CommentStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &CommentStore{db: db}, nil
}

// SaveComments implements domain.CommentStore.
func (s *CommentStore) SaveComments(ctx context.Context, snap domain.CommentSnapshot) error {
	comments := snap.Comments
	if comments == nil {
		comments = []domain.Comment{}
	}
	body, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("encode comments: %w", err)
	}
	insert := psql.Insert("comment_snapshots").
		Columns("id", "article_id", "platform", "comments", "archive_uri", "collected_at").
		Values(snap.ID, snap.ArticleID, snap.Platform, body, snap.ArchiveURI, snap.CollectedAt)
	_, err = exec(ctx, s.db, insert, "insert comment snapshot")
	return err
}
