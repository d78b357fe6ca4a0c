package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// NotificationStore keeps the in-app notification inbox.
type NotificationStore struct {
	mu     sync.RWMutex
	seq    int
	stored []domain.Notification
}

// NewNotificationStore creates an empty NotificationStore.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{}
}

// CreateNotification implements domain.NotificationStore. Notifications
// without an id get a sequential one.
func (s *NotificationStore) CreateNotification(_ context.Context, n domain.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if n.ID == "" {
		n.ID = fmt.Sprintf("notification-%d", s.seq)
	}
	s.stored = append(s.stored, n)
	return n.ID, nil
}

// Notifications returns the inbox in insertion order.
func (s *NotificationStore) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Notification(nil), s.stored...)
}
