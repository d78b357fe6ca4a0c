// Package browser is the shared base of every platform scraper: pooled
// headless sessions, resource blocking, anti-bot detection and the parsing
// helpers for scraped text.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const defaultNavigationTimeout = 45 * time.Second

// DefaultUserAgents is the identity pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
}

// Page is a rendered document.
type Page struct {
	// URL is the address that was requested.
	URL string
	// FinalURL is where the browser ended up after redirects.
	FinalURL string
	HTML     string
}

// PageLoader renders a URL into a Page.
type PageLoader interface {
	Load(ctx context.Context, url string) (Page, error)
}

// Config controls the headless browser.
type Config struct {
	Headless          bool
	MaxParallel       int
	NavigationTimeout time.Duration
	UserAgents        []string
	// BlockedResources lists CDP resource types (Image, Stylesheet, Font,
	// Media) that are failed before they hit the network.
	BlockedResources []string
}

// Browser renders pages in isolated chromedp tabs sharing one allocator.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Browser. Chrome itself starts lazily on the first Load.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}

// Load opens a fresh tab with a random identity, navigates to url and
// returns the rendered DOM. The tab is always closed before returning.
func (b *Browser) Load(ctx context.Context, url string) (Page, error) {
	if err := b.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer b.release()

	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if len(b.cfg.BlockedResources) > 0 {
		chromedp.ListenTarget(tabCtx, func(ev any) {
			if paused, ok := ev.(*fetch.EventRequestPaused); ok {
				go b.failRequest(tabCtx, paused.RequestID)
			}
		})
	}

	ua := b.pickUserAgent()
	var page Page
	page.URL = url
	actions := []chromedp.Action{
		b.setupAction(ua),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&page.FinalURL),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return Page{}, fmt.Errorf("render %s: %w", url, err)
	}
	b.logger.Debug("page rendered", zap.String("url", url), zap.String("final_url", page.FinalURL))
	return page, nil
}

func (b *Browser) setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if patterns := blockPatterns(b.cfg.BlockedResources); len(patterns) > 0 {
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

// failRequest runs outside the event callback; CDP calls from inside it
// would deadlock the target's event loop.
func (b *Browser) failRequest(ctx context.Context, id fetch.RequestID) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	err := fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(cdp.WithExecutor(ctx, c.Target))
	if err != nil && ctx.Err() == nil {
		b.logger.Debug("block request failed", zap.Error(err))
	}
}

func blockPatterns(types []string) []*fetch.RequestPattern {
	patterns := make([]*fetch.RequestPattern, 0, len(types))
	for _, t := range types {
		if t == "" {
			continue
		}
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: network.ResourceType(t),
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

func (b *Browser) pickUserAgent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.UserAgents[b.rng.IntN(len(b.cfg.UserAgents))]
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}
