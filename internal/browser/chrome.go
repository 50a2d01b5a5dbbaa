package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/FranksOps/rankwatch/internal/metrics"
	"github.com/FranksOps/rankwatch/pkg/proxy"
	"github.com/FranksOps/rankwatch/pkg/useragent"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeConfig configures headless Chrome sessions.
type ChromeConfig struct {
	// ExecPath overrides Chrome discovery when set.
	ExecPath       string
	Headless       bool
	AcceptLanguage string
	ViewportWidth  int
	ViewportHeight int
	// StartTimeout bounds browser start-up for a new session.
	StartTimeout time.Duration
	UserAgents   *useragent.Pool
	// Proxies is optional; one proxy is assigned per session.
	Proxies *proxy.Pool
}

// ChromeLauncher starts one Chrome process per session.
type ChromeLauncher struct {
	cfg    ChromeConfig
	logger *slog.Logger
}

var _ Launcher = (*ChromeLauncher)(nil)

// NewChromeLauncher applies defaults: headless iPhone-sized viewport and a
// Korean Accept-Language.
func NewChromeLauncher(cfg ChromeConfig, logger *slog.Logger) *ChromeLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7"
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 390, 844
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.NewPool(nil)
	}
	return &ChromeLauncher{cfg: cfg, logger: logger.With("component", "chrome")}
}

// NewSession starts Chrome and prepares a single tab. Any failure is wrapped in
// ErrSessionUnavailable.
func (l *ChromeLauncher) NewSession(ctx context.Context) (Session, error) {
	ua := l.cfg.UserAgents.GetSequential()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", "ko-KR"),
		chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight),
		chromedp.UserAgent(ua),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	var proxyURL *url.URL
	if l.cfg.Proxies != nil {
		proxyURL = l.cfg.Proxies.Next()
		if proxyURL != nil {
			opts = append(opts, chromedp.ProxyServer(proxyURL.String()))
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// The first Run must happen on tabCtx itself, otherwise the browser would
	// die with the derived context.
	startCtx, cancelStart := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancelStart()
	stop := context.AfterFunc(startCtx, func() {
		cancelTab()
		cancelAlloc()
	})

	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": l.cfg.AcceptLanguage}),
		emulation.SetUserAgentOverride(ua).WithAcceptLanguage(l.cfg.AcceptLanguage),
		emulation.SetDeviceMetricsOverride(int64(l.cfg.ViewportWidth), int64(l.cfg.ViewportHeight), 3, useragent.IsMobile(ua)),
		emulation.SetTouchEmulationEnabled(useragent.IsMobile(ua)),
	)
	if !stop() {
		// start-up deadline fired and already tore the browser down
		if err == nil {
			err = startCtx.Err()
		}
	}
	if err != nil {
		cancelTab()
		cancelAlloc()
		if proxyURL != nil {
			_ = l.cfg.Proxies.MarkFailure(proxyURL)
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	metrics.ActiveSessions.Inc()
	l.logger.Debug("browser session opened", "user_agent", ua, "proxy", proxyString(proxyURL))

	return &chromeSession{
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		proxies:     l.cfg.Proxies,
		proxyURL:    proxyURL,
	}, nil
}

func proxyString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

type chromeSession struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	proxies  *proxy.Pool
	proxyURL *url.URL

	closeOnce sync.Once
	closeErr  error
}

var (
	_ Session       = (*chromeSession)(nil)
	_ BlockReporter = (*chromeSession)(nil)
)

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.tabCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.tabCtx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, rawURL string, opts NavigateOptions) error {
	var action chromedp.Action
	switch opts.WaitUntil {
	case WaitDOMContentLoaded:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errText, err := page.Navigate(rawURL).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return errors.New(errText)
			}
			return waitInteractive(ctx)
		})
	default:
		action = chromedp.Navigate(rawURL)
	}

	if err := s.run(ctx, opts.Timeout, action); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// waitInteractive polls until the new document has been parsed.
func waitInteractive(ctx context.Context) error {
	const probe = `document.readyState !== 'loading' && window.location.href !== 'about:blank'`
	for {
		var ready bool
		if err := chromedp.Evaluate(probe, &ready).Do(ctx); err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *chromeSession) Evaluate(ctx context.Context, script string, out any) error {
	if err := s.run(ctx, 0, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (s *chromeSession) WaitForMarker(ctx context.Context, selector string, timeout time.Duration) WaitResult {
	start := time.Now()
	err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))

	res := WaitResult{Selector: selector, Waited: time.Since(start)}
	switch {
	case err == nil:
		res.Found = true
	case errors.Is(err, context.DeadlineExceeded):
		res.TimedOut = true
	default:
		res.Err = err
	}
	return res
}

func (s *chromeSession) ReportBlocked() {
	if s.proxies != nil && s.proxyURL != nil {
		_ = s.proxies.MarkFailure(s.proxyURL)
	}
}

func (s *chromeSession) ReportHealthy() {
	if s.proxies != nil && s.proxyURL != nil {
		_ = s.proxies.MarkSuccess(s.proxyURL)
	}
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.tabCtx)
		s.cancelTab()
		s.cancelAlloc()
		metrics.ActiveSessions.Dec()
	})
	return s.closeErr
}
