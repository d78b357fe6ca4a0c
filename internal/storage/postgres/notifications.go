package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// NotificationStore writes the in-app notification inbox.
type NotificationStore struct {
	db DB
}

// NewNotificationStore builds a NotificationStore on db.
func NewNotificationStore(db DB) (*NotificationStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &NotificationStore{db: db}, nil
}

// CreateNotification implements domain.NotificationStore. Without an id the
// database assigns one.
func (s *NotificationStore) CreateNotification(ctx context.Context, n domain.Notification) (string, error) {
	var metadata []byte
	if len(n.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(n.Metadata); err != nil {
			return "", fmt.Errorf("encode notification metadata: %w", err)
		}
	}
	columns := []string{"type", "title", "message", "user_id", "article_id", "platform", "metadata", "created_at"}
	values := []any{string(n.Type), n.Title, n.Message, n.UserID, n.ArticleID, n.Platform, metadata, n.Timestamp}
	if n.ID != "" {
		columns = append([]string{"id"}, columns...)
		values = append([]any{n.ID}, values...)
	}
	query, args, err := psql.Insert("notifications").Columns(columns...).Values(values...).Suffix("RETURNING id").ToSql()
	if err != nil {
		return "", fmt.Errorf("build notification insert: %w", err)
	}
	var id string
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}
