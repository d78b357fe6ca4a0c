package domain

import "time"

// NotificationType classifies a user-facing event.
type NotificationType string

// Supported notification types.
const (
	NotifyPublishSuccess  NotificationType = "publish_success"
	NotifyPublishFailed   NotificationType = "publish_failed"
	NotifyScrapeCompleted NotificationType = "scrape_completed"
	NotifySystemAlert     NotificationType = "system_alert"
)

// Severe reports whether the type warrants the email channel and elevated
// queue priority.
func (t NotificationType) Severe() bool {
	return t == NotifyPublishFailed || t == NotifySystemAlert
}

// Valid reports whether t is a known type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotifyPublishSuccess, NotifyPublishFailed, NotifyScrapeCompleted, NotifySystemAlert:
		return true
	default:
		return false
	}
}

// Notification is one logical event delivered through the notification
// channels. Timestamp is the time the event was raised, not delivered.
type Notification struct {
	ID        string            `json:"id,omitempty"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	UserID    string            `json:"userId,omitempty"`
	ArticleID string            `json:"articleId,omitempty"`
	Platform  string            `json:"platform,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
