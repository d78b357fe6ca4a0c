// Package record writes notifications to the user's in-app inbox.
package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// Channel persists notifications through a domain.NotificationStore.
type Channel struct {
	store domain.NotificationStore
}

// New builds a Channel.
func New(store domain.NotificationStore) (*Channel, error) {
	if store == nil {
		return nil, errors.New("notification store is required")
	}
	return &Channel{store: store}, nil
}

// Name implements notify.Channel.
func (*Channel) Name() string { return "record" }

// Send implements notify.Channel and returns the stored record id.
func (c *Channel) Send(ctx context.Context, n domain.Notification) (string, error) {
	id, err := c.store.CreateNotification(ctx, n)
	if err != nil {
		return "", fmt.Errorf("store notification: %w", err)
	}
	return id, nil
}
