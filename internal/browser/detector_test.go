package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDetectorDetect(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	cases := []struct {
		name    string
		page    Page
		blocked bool
	}{
		{
			name:    "captcha iframe",
			page:    Page{URL: "https://a/p/1", HTML: `<html><body><iframe src="https://c/captcha?id=1"></iframe></body></html>`},
			blocked: true,
		},
		{
			name:    "slider widget",
			page:    Page{URL: "https://a/p/1", HTML: `<html><body><div class="nc_wrapper"></div></body></html>`},
			blocked: true,
		},
		{
			name:    "challenge text",
			page:    Page{URL: "https://a/p/1", HTML: `<html><body><h1>请完成安全验证</h1></body></html>`},
			blocked: true,
		},
		{
			name:    "english challenge text",
			page:    Page{URL: "https://a/p/1", HTML: `<html><body><p>Please Verify You Are Human</p></body></html>`},
			blocked: true,
		},
		{
			name:    "forced login",
			page:    Page{URL: "https://a/p/1", FinalURL: "https://a/login?redirect=%2Fp%2F1", HTML: `<html><body>sign in</body></html>`},
			blocked: true,
		},
		{
			name:    "login page requested on purpose",
			page:    Page{URL: "https://a/login", FinalURL: "https://a/login?next=1", HTML: `<html><body>form</body></html>`},
			blocked: false,
		},
		{
			name:    "article",
			page:    Page{URL: "https://a/p/1", FinalURL: "https://a/p/1", HTML: `<html><body><article>Hello</article></body></html>`},
			blocked: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reason, blocked := d.Detect(tc.page)
			require.Equal(t, tc.blocked, blocked)
			if blocked {
				require.NotEmpty(t, reason)
			}
		})
	}
}

func TestGuardRetriesOnceAfterWall(t *testing.T) {
	t.Parallel()

	loader := &scriptedLoader{pages: []Page{wallPage(), articlePage("ok")}}
	sleeper := &recordingSleeper{}
	g := NewGuard(loader, nil, sleeper, 10*time.Second, zap.NewNop())

	page, err := g.Load(context.Background(), "csdn", "https://a/p/1")
	require.NoError(t, err)
	require.Contains(t, page.HTML, "ok")
	require.Equal(t, 2, loader.calls())
	require.Equal(t, []time.Duration{10 * time.Second}, sleeper.slept())
}

func TestGuardGivesUpWhenStillBlocked(t *testing.T) {
	t.Parallel()

	loader := &scriptedLoader{pages: []Page{wallPage(), wallPage(), articlePage("never")}}
	g := NewGuard(loader, nil, &recordingSleeper{}, time.Second, nil)

	_, err := g.Load(context.Background(), "juejin", "https://a/p/1")
	require.ErrorIs(t, err, ErrBlocked)
	require.Equal(t, 2, loader.calls())
}

func TestGuardPassesThroughCleanPagesAndErrors(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	g := NewGuard(&scriptedLoader{pages: []Page{articlePage("fine")}}, nil, sleeper, time.Second, nil)
	_, err := g.Load(context.Background(), "csdn", "https://a/p/1")
	require.NoError(t, err)
	require.Empty(t, sleeper.slept())

	boom := errors.New("net::ERR_CONNECTION_RESET")
	g = NewGuard(&scriptedLoader{err: boom}, nil, sleeper, time.Second, nil)
	_, err = g.Load(context.Background(), "csdn", "https://a/p/1")
	require.ErrorIs(t, err, boom)
}

func TestGuardStopsWhenWaitIsCanceled(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{err: context.Canceled}
	g := NewGuard(&scriptedLoader{pages: []Page{wallPage()}}, nil, sleeper, time.Second, nil)
	_, err := g.Load(context.Background(), "csdn", "https://a/p/1")
	require.ErrorIs(t, err, context.Canceled)
}

func wallPage() Page {
	return Page{URL: "https://a/p/1", HTML: `<html><body><div id="captcha"></div></body></html>`}
}

func articlePage(body string) Page {
	return Page{URL: "https://a/p/1", HTML: "<html><body><article>" + body + "</article></body></html>"}
}

type scriptedLoader struct {
	mu    sync.Mutex
	pages []Page
	err   error
	n     int
	urls  []string
}

func (l *scriptedLoader) Load(_ context.Context, url string) (Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	l.urls = append(l.urls, url)
	if l.err != nil {
		return Page{}, l.err
	}
	if len(l.pages) == 0 {
		return Page{}, errors.New("no more pages")
	}
	page := l.pages[0]
	if len(l.pages) > 1 {
		l.pages = l.pages[1:]
	}
	return page, nil
}

func (l *scriptedLoader) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

type recordingSleeper struct {
	mu  sync.Mutex
	ds  []time.Duration
	err error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds = append(s.ds, d)
	return s.err
}

func (s *recordingSleeper) slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.ds...)
}
