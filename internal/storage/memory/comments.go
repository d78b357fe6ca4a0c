package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// CommentStore appends comment snapshots.
type CommentStore struct {
	mu        sync.RWMutex
	snapshots []domain.CommentSnapshot
}

// NewCommentStore creates an empty CommentStore.
func NewCommentStore() *CommentStore {
	return &CommentStore{}
}

// SaveComments implements domain.CommentStore.
func (s *CommentStore) SaveComments(_ context.Context, snap domain.CommentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Comments = append([]domain.Comment(nil), snap.Comments...)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// Snapshots returns all saved snapshots in insertion order.
func (s *CommentStore) Snapshots() []domain.CommentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CommentSnapshot(nil), s.snapshots...)
}
