package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// ErrInvalidPayload marks malformed job input. Handlers returning it fail the
// job without retrying.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the tagged union of job inputs. Each variant reports the job
// type it belongs to.
type Payload interface {
	JobType() Type
	Validate() error
}

// PublishArticle asks the publish orchestrator to push one article to
// several platforms in order.
type PublishArticle struct {
	ArticleID   string                        `json:"articleId"`
	UserID      string                        `json:"userId"`
	Platforms   []string                      `json:"platforms"`
	Credentials map[string]domain.Credentials `json:"credentials,omitempty"`
}

// ScrapeArticleStats scrapes engagement for one article on one platform.
type ScrapeArticleStats struct {
	Platform   string `json:"platform"`
	ArticleURL string `json:"articleUrl"`
	ArticleID  string `json:"articleId"`
}

// ScrapeComments captures the comments of one article on one platform.
type ScrapeComments struct {
	Platform   string `json:"platform"`
	ArticleURL string `json:"articleUrl"`
	ArticleID  string `json:"articleId"`
	Limit      int    `json:"limit,omitempty"`
}

// ScrapeBatchStats scrapes engagement for many articles on one platform.
type ScrapeBatchStats struct {
	Platform   string   `json:"platform"`
	ArticleIDs []string `json:"articleIds"`
}

// ScrapeUserFocused refreshes every published article of one user on one
// platform.
type ScrapeUserFocused struct {
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
}

// CleanupStats removes stats snapshots older than the retention window.
type CleanupStats struct {
	OlderThanDays int `json:"olderThanDays"`
}

// SendNotification delivers one notification through the fan-out channels.
type SendNotification struct {
	Notification domain.Notification `json:"notification"`
}

// JobType implements Payload.
func (PublishArticle) JobType() Type { return TypePublishArticle }

// JobType implements Payload.
func (ScrapeArticleStats) JobType() Type { return TypeArticleStats }

// JobType implements Payload.
func (ScrapeComments) JobType() Type { return TypeComments }

// JobType implements Payload.
func (ScrapeBatchStats) JobType() Type { return TypeBatchStats }

// JobType implements Payload.
func (ScrapeUserFocused) JobType() Type { return TypeUserFocused }

// JobType implements Payload.
func (CleanupStats) JobType() Type { return TypeCleanup }

// JobType implements Payload.
func (SendNotification) JobType() Type { return TypeNotification }

// Validate implements Payload.
func (p PublishArticle) Validate() error {
	if err := requireField("articleId", p.ArticleID); err != nil {
		return err
	}
	if err := requireField("userId", p.UserID); err != nil {
		return err
	}
	if len(p.Platforms) == 0 {
		return missing("platforms")
	}
	return nil
}

// Validate implements Payload.
func (p ScrapeArticleStats) Validate() error {
	return requireAll(map[string]string{
		"platform":   p.Platform,
		"articleUrl": p.ArticleURL,
		"articleId":  p.ArticleID,
	})
}

// Validate implements Payload.
func (p ScrapeComments) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0", ErrInvalidPayload)
	}
	return requireAll(map[string]string{
		"platform":   p.Platform,
		"articleUrl": p.ArticleURL,
		"articleId":  p.ArticleID,
	})
}

// Validate implements Payload.
func (p ScrapeBatchStats) Validate() error {
	if err := requireField("platform", p.Platform); err != nil {
		return err
	}
	if len(p.ArticleIDs) == 0 {
		return missing("articleIds")
	}
	return nil
}

// Validate implements Payload.
func (p ScrapeUserFocused) Validate() error {
	return requireAll(map[string]string{
		"userId":   p.UserID,
		"platform": p.Platform,
	})
}

// Validate implements Payload.
func (p CleanupStats) Validate() error {
	if p.OlderThanDays <= 0 {
		return fmt.Errorf("%w: olderThanDays must be > 0", ErrInvalidPayload)
	}
	return nil
}

// Validate implements Payload.
func (p SendNotification) Validate() error {
	if !p.Notification.Type.Valid() {
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidPayload, p.Notification.Type)
	}
	return requireField("title", p.Notification.Title)
}

// DecodePayload decodes raw into the variant registered for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch t {
	case TypePublishArticle:
		payload, err = decodeAs[PublishArticle](raw)
	case TypeArticleStats:
		payload, err = decodeAs[ScrapeArticleStats](raw)
	case TypeComments:
		payload, err = decodeAs[ScrapeComments](raw)
	case TypeBatchStats:
		payload, err = decodeAs[ScrapeBatchStats](raw)
	case TypeUserFocused:
		payload, err = decodeAs[ScrapeUserFocused](raw)
	case TypeCleanup:
		payload, err = decodeAs[CleanupStats](raw)
	case TypeNotification:
		payload, err = decodeAs[SendNotification](raw)
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err //nolint:wrapcheck // wrapped by DecodePayload
	}
	return v, nil
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return missing(field)
	}
	return nil
}

func requireAll(fields map[string]string) error {
	var missingFields []string
	for field, value := range fields {
		if strings.TrimSpace(value) == "" {
			missingFields = append(missingFields, field)
		}
	}
	if len(missingFields) == 0 {
		return nil
	}
	slices.Sort(missingFields)
	return missing(strings.Join(missingFields, ", "))
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
}
