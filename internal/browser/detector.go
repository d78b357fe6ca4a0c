package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/metrics"
)

// ErrBlocked reports that a platform kept serving an anti-bot wall after the
// retry.
var ErrBlocked = errors.New("blocked by anti-bot check")

var captchaSelectors = []string{
	`iframe[src*="captcha"]`,
	`#captcha`,
	`[class*="captcha"]`,
	`[id*="captcha"]`,
	`.geetest_panel`,
	`.nc_wrapper`,
	`#nocaptcha`,
	`.verify-wrap`,
}

var challengeMarkers = []string{
	"验证码",
	"安全验证",
	"人机验证",
	"请完成验证",
	"verify you are human",
	"unusual traffic",
}

var loginPathMarkers = []string{"/login", "/signin", "/passport", "/account/login"}

// Detector recognises anti-bot walls in rendered pages.
type Detector struct {
	selectors []string
	markers   []string
}

// NewDetector returns a Detector with the built-in CAPTCHA selectors and
// challenge phrases.
func NewDetector() *Detector {
	return &Detector{selectors: captchaSelectors, markers: challengeMarkers}
}

// Detect returns a short reason and true when page looks like a CAPTCHA or a
// forced login instead of the requested content.
func (d *Detector) Detect(page Page) (string, bool) {
	if reason, ok := loginRedirect(page.URL, page.FinalURL); ok {
		return reason, true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return "", false
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return "captcha element " + sel, true
		}
	}
	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range d.markers {
		if strings.Contains(text, marker) {
			return "challenge text " + marker, true
		}
	}
	return "", false
}

func loginRedirect(requested, final string) (string, bool) {
	if final == "" || final == requested {
		return "", false
	}
	to, err := url.Parse(final)
	if err != nil {
		return "", false
	}
	from, _ := url.Parse(requested)
	path := strings.ToLower(to.Path)
	for _, marker := range loginPathMarkers {
		if !strings.Contains(path, marker) {
			continue
		}
		if from != nil && strings.Contains(strings.ToLower(from.Path), marker) {
			return "", false
		}
		return "redirected to login", true
	}
	return "", false
}

// Guard loads pages through a PageLoader and retries once after a wait when
// the first render hits an anti-bot wall.
type Guard struct {
	loader   PageLoader
	detector *Detector
	sleeper  domain.Sleeper
	wait     time.Duration
	logger   *zap.Logger
}

// NewGuard wraps loader with anti-bot detection.
func NewGuard(loader PageLoader, detector *Detector, sleeper domain.Sleeper, wait time.Duration, logger *zap.Logger) *Guard {
	if detector == nil {
		detector = NewDetector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{loader: loader, detector: detector, sleeper: sleeper, wait: wait, logger: logger.Named("antibot")}
}

// Load renders pageURL for platform. A page still blocked after one retry
// returns ErrBlocked.
func (g *Guard) Load(ctx context.Context, platform, pageURL string) (Page, error) {
	page, err := g.loader.Load(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	reason, blocked := g.detector.Detect(page)
	if !blocked {
		return page, nil
	}
	g.logger.Warn("anti-bot wall detected, retrying",
		zap.String("platform", platform), zap.String("url", pageURL), zap.String("reason", reason),
		zap.Duration("wait", g.wait))
	if err := g.sleeper.Sleep(ctx, g.wait); err != nil {
		return Page{}, fmt.Errorf("anti-bot wait: %w", err)
	}

	page, err = g.loader.Load(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	if reason, blocked := g.detector.Detect(page); blocked {
		metrics.ObserveAntiBot(platform, false)
		return Page{}, fmt.Errorf("%w on %s: %s", ErrBlocked, platform, reason)
	}
	metrics.ObserveAntiBot(platform, true)
	return page, nil
}
