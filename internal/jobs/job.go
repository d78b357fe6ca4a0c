package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueName identifies a job family.
type QueueName string

// Supported job families.
const (
	QueuePublish QueueName = "publish"
	QueueScrape  QueueName = "scrape"
	QueueNotify  QueueName = "notify"
)

// Type identifies a job subtype within a family.
type Type string

// Supported job types.
const (
	TypePublishArticle Type = "publish-article"
	TypeArticleStats   Type = "article-stats"
	TypeComments       Type = "comments"
	TypeBatchStats     Type = "batch-stats"
	TypeUserFocused    Type = "user-focused"
	TypeCleanup        Type = "cleanup"
	TypeNotification   Type = "notification"
)

// Queue returns the family t is consumed from. Unknown types return "".
func (t Type) Queue() QueueName {
	switch t {
	case TypePublishArticle:
		return QueuePublish
	case TypeArticleStats, TypeComments, TypeBatchStats, TypeUserFocused, TypeCleanup:
		return QueueScrape
	case TypeNotification:
		return QueueNotify
	default:
		return ""
	}
}

// Status is the lifecycle state of a job.
type Status string

// Supported job states. Waiting and delayed jobs are both pending; delayed
// ones are not eligible before RunAt.
const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        QueueName       `json:"queue"`
	Type         Type            `json:"type"`
	Payload      Payload         `json:"payload"`
	Priority     int             `json:"priority"`
	Seq          int64           `json:"seq"`
	RunAt        time.Time       `json:"runAt"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      time.Duration   `json:"backoff"`
	Progress     int             `json:"progress"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// MarshalJSON encodes the job with its payload inline.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	data, err := json.Marshal(struct {
		alias
		Payload Payload `json:"payload"`
	}{alias: alias(j), Payload: j.Payload})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes the payload into the variant matching Type.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	payload, err := DecodePayload(j.Type, aux.Payload)
	if err != nil {
		return err
	}
	j.Payload = payload
	return nil
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		out.StartedAt = &ts
	}
	if j.FinishedAt != nil {
		ts := *j.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}

// OwnerID returns the user a job acts for, or "" for system jobs.
func (j Job) OwnerID() string {
	switch p := j.Payload.(type) {
	case PublishArticle:
		return p.UserID
	case ScrapeUserFocused:
		return p.UserID
	case SendNotification:
		return p.Notification.UserID
	default:
		return ""
	}
}

// Redacted returns a copy safe to hand to API callers: platform
// credentials carried by publish jobs are dropped.
func (j Job) Redacted() Job {
	out := j.Clone()
	if p, ok := out.Payload.(PublishArticle); ok {
		p.Platforms = append([]string(nil), p.Platforms...)
		p.Credentials = nil
		out.Payload = p
	}
	return out
}
