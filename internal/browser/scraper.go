package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/metrics"
)

// Selectors are the CSS selectors that locate engagement numbers and
// comments on one platform's article page.
type Selectors struct {
	Views    string
	Likes    string
	Comments string
	Shares   string
	Collects string

	CommentItem    string
	CommentAuthor  string
	CommentContent string
	CommentLikes   string
	CommentTime    string
}

// Pacer blocks until the next request to platform is allowed.
type Pacer interface {
	Wait(ctx context.Context, platform string) error
}

// SelectorScraper implements domain.Scraper for a platform whose pages can
// be read with plain CSS selectors.
type SelectorScraper struct {
	platform  string
	selectors Selectors
	guard     *Guard
	pacer     Pacer
	clock     domain.Clock
}

// NewSelectorScraper builds a scraper for platform.
func NewSelectorScraper(platform string, selectors Selectors, guard *Guard, pacer Pacer, clock domain.Clock) (*SelectorScraper, error) {
	if platform == "" {
		return nil, errors.New("platform is required")
	}
	if guard == nil || clock == nil {
		return nil, errors.New("guard and clock are required")
	}
	return &SelectorScraper{platform: platform, selectors: selectors, guard: guard, pacer: pacer, clock: clock}, nil
}

// ScrapeArticleStats implements domain.Scraper.
func (s *SelectorScraper) ScrapeArticleStats(ctx context.Context, url string) (domain.Stats, error) {
	stats, err := s.scrapeStats(ctx, url)
	metrics.ObserveScrape(s.platform, err == nil)
	return stats, err
}

func (s *SelectorScraper) scrapeStats(ctx context.Context, url string) (domain.Stats, error) {
	doc, err := s.load(ctx, url)
	if err != nil {
		return domain.Stats{}, err
	}
	var (
		stats domain.Stats
		found int
	)
	fields := []struct {
		selector string
		dst      *int64
	}{
		{s.selectors.Views, &stats.Views},
		{s.selectors.Likes, &stats.Likes},
		{s.selectors.Comments, &stats.Comments},
		{s.selectors.Shares, &stats.Shares},
		{s.selectors.Collects, &stats.Collects},
	}
	for _, f := range fields {
		if f.selector == "" {
			continue
		}
		node := doc.Find(f.selector).First()
		if node.Length() == 0 {
			continue
		}
		found++
		text := strings.TrimSpace(node.Text())
		if text == "" {
			continue
		}
		n, err := ParseCount(text)
		if err != nil {
			return domain.Stats{}, fmt.Errorf("read %s stats: %w", s.platform, err)
		}
		*f.dst = n
	}
	if found == 0 {
		return domain.Stats{}, fmt.Errorf("no stats elements found on %s page %s", s.platform, url)
	}
	return stats, nil
}

// ScrapeComments implements domain.Scraper. At most limit comments are
// returned; a non-positive limit means no cap.
func (s *SelectorScraper) ScrapeComments(ctx context.Context, url string, limit int) ([]domain.Comment, error) {
	if s.selectors.CommentItem == "" {
		return nil, fmt.Errorf("no comment selector configured for %s", s.platform)
	}
	doc, err := s.load(ctx, url)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var comments []domain.Comment
	doc.Find(s.selectors.CommentItem).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if limit > 0 && len(comments) >= limit {
			return false
		}
		c := domain.Comment{
			Author:  cleanField(item, s.selectors.CommentAuthor),
			Content: cleanField(item, s.selectors.CommentContent),
		}
		if c.Content == "" && s.selectors.CommentContent == "" {
			c.Content = cleanSelection(item)
		}
		if likes := cleanField(item, s.selectors.CommentLikes); likes != "" {
			if n, err := ParseCount(likes); err == nil {
				c.Likes = n
			}
		}
		if posted := cleanField(item, s.selectors.CommentTime); posted != "" {
			if t, err := ParseDate(posted, now); err == nil {
				c.PostedAt = &t
			}
		}
		comments = append(comments, c)
		return true
	})
	return comments, nil
}

func (s *SelectorScraper) load(ctx context.Context, url string) (*goquery.Document, error) {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, s.platform); err != nil {
			return nil, err
		}
	}
	page, err := s.guard.Load(ctx, s.platform, url)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse %s page: %w", s.platform, err)
	}
	return doc, nil
}

func cleanField(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return cleanSelection(item.Find(selector).First())
}

func cleanSelection(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	markup, err := sel.Html()
	if err != nil {
		return CleanText(sel.Text())
	}
	return CleanText(markup)
}
