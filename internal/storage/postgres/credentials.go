package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// CredentialStore reads platform_credentials.
type CredentialStore struct {
	db DB
}

// NewCredentialStore builds a CredentialStore on db.
func NewCredentialStore(db DB) (*CredentialStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &CredentialStore{db: db}, nil
}

// FindActiveCredentials implements domain.CredentialStore.
func (s *CredentialStore) FindActiveCredentials(ctx context.Context) ([]domain.PlatformCredential, error) {
	return s.find(ctx, sq.Eq{"is_active": true})
}

// FindByUser implements domain.CredentialStore.
func (s *CredentialStore) FindByUser(ctx context.Context, userID string) ([]domain.PlatformCredential, error) {
	return s.find(ctx, sq.Eq{"user_id": userID})
}

func (s *CredentialStore) find(ctx context.Context, where sq.Sqlizer) ([]domain.PlatformCredential, error) {
	query, args, err := psql.Select("user_id", "platform", "credentials", "is_active", "last_used").
		From("platform_credentials").
		Where(where).
		OrderBy("user_id", "platform").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build credential query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.PlatformCredential
	for rows.Next() {
		var (
			cred domain.PlatformCredential
			raw  []byte
		)
		if err := rows.Scan(&cred.UserID, &cred.Platform, &raw, &cred.IsActive, &cred.LastUsed); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cred.Credentials); err != nil {
				return nil, fmt.Errorf("decode credentials for %s/%s: %w", cred.UserID, cred.Platform, err)
			}
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
