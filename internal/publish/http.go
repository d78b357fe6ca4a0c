package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/multipublish/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Platform string
	Endpoint string
	Timeout  time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPAdapter publishes through a platform's JSON API: the article is POSTed
// to Endpoint and the response names the created post.
type HTTPAdapter struct {
	platform string
	endpoint string
	client   *http.Client
}

type publishRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	CoverImage string   `json:"coverImage,omitempty"`
}

type publishResponse struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// NewHTTPAdapter builds an HTTPAdapter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if cfg.Platform == "" || cfg.Endpoint == "" {
		return nil, errors.New("platform and endpoint are required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAdapter{platform: cfg.Platform, endpoint: cfg.Endpoint, client: client}, nil
}

// Publish implements domain.Publisher. A 4xx answer is a rejected publish; a
// transport error or 5xx answer is returned as an error.
func (a *HTTPAdapter) Publish(ctx context.Context, creds domain.Credentials, article domain.PublishInput) (domain.PublishResult, error) {
	body, err := json.Marshal(publishRequest(article))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("marshal article: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("build %s request: %w", a.platform, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if creds.Cookie != "" {
		req.Header.Set("Cookie", creds.Cookie)
	}
	if creds.Username != "" && creds.Token == "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("post to %s: %w", a.platform, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body close errors are not actionable

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("read %s response: %w", a.platform, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.PublishResult{}, fmt.Errorf("%s returned %d: %s", a.platform, resp.StatusCode, snippet(raw))
	}

	var out publishResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= http.StatusBadRequest {
		msg := out.Error
		if msg == "" {
			msg = snippet(raw)
		}
		return domain.PublishResult{Error: fmt.Sprintf("%s rejected the article (%d): %s", a.platform, resp.StatusCode, msg)}, nil
	}
	if out.Error != "" {
		return domain.PublishResult{Error: out.Error}, nil
	}
	return domain.PublishResult{Success: true, URL: out.URL, PlatformArticleID: out.ID}, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
