// Package browsertest provides an in-memory browser.Launcher for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/rankwatch/internal/browser"
)

// Page is the rendered state behind one URL.
type Page interface {
	HTML() string
	// ScrollToBottom simulates scrolling the named container; false means the
	// container does not exist.
	ScrollToBottom(selector string) bool
}

// Router resolves a navigated URL to a page or a navigation error.
type Router func(url string) (Page, error)

// StaticPage never changes when scrolled.
type StaticPage string

func (p StaticPage) HTML() string                 { return string(p) }
func (p StaticPage) ScrollToBottom(_ string) bool { return true }

// RedirectPage renders Page but leaves the tab on URL instead of the
// navigated address.
type RedirectPage struct {
	Page
	URL string
}

// Launcher hands out fake sessions and tracks how many are open.
type Launcher struct {
	Route Router
	// NewErr, when set, makes every NewSession fail.
	NewErr error
	// Markers controls WaitForMarker: selectors not listed time out.
	Markers map[string]bool

	opened  atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64

	mu       sync.Mutex
	sessions []*Session
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.NewErr != nil {
		return nil, fmt.Errorf("%w: %w", browser.ErrSessionUnavailable, l.NewErr)
	}

	l.opened.Add(1)
	n := l.active.Add(1)
	for {
		max := l.maxSeen.Load()
		if n <= max || l.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	s := &Session{launcher: l}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Opened is the total number of sessions created.
func (l *Launcher) Opened() int { return int(l.opened.Load()) }

// Active is the number of sessions not yet closed.
func (l *Launcher) Active() int { return int(l.active.Load()) }

// MaxActive is the highest number of simultaneously open sessions observed.
func (l *Launcher) MaxActive() int { return int(l.maxSeen.Load()) }

// Sessions returns every session created so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, len(l.sessions))
	copy(out, l.sessions)
	return out
}

// Session is a fake tab. It records navigations and scroll calls.
type Session struct {
	launcher *Launcher

	mu          sync.Mutex
	url         string
	page        Page
	navigations []string
	scrolls     int
	closed      bool
	blocked     int
	healthy     int
}

var (
	_ browser.Session       = (*Session)(nil)
	_ browser.BlockReporter = (*Session)(nil)
)

func (s *Session) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.navigations = append(s.navigations, url)
	if s.launcher.Route == nil {
		return errors.New("no route configured")
	}
	p, err := s.launcher.Route(url)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.url = url
	if r, ok := p.(RedirectPage); ok {
		s.url = r.URL
	}
	s.page = p
	return nil
}

func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	var result any
	switch {
	case s.page == nil:
		s.mu.Unlock()
		return errors.New("no page loaded")
	case script == browser.DocumentHTMLScript:
		result = s.page.HTML()
	case script == browser.LocationScript:
		result = s.url
	case strings.HasPrefix(script, browser.ScrollScriptTag):
		s.scrolls++
		result = s.page.ScrollToBottom(selectorOf(script))
	default:
		s.mu.Unlock()
		return fmt.Errorf("unsupported script: %.40s", script)
	}
	s.mu.Unlock()

	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// selectorOf pulls the container selector back out of a scroll script.
func selectorOf(script string) string {
	const open = "document.querySelector("
	i := strings.Index(script, open)
	if i < 0 {
		return ""
	}
	rest := script[i+len(open):]
	j := strings.Index(rest, ");")
	if j < 0 {
		return ""
	}
	var sel string
	if err := json.Unmarshal([]byte(rest[:j]), &sel); err != nil {
		return ""
	}
	return sel
}

func (s *Session) WaitForMarker(ctx context.Context, selector string, timeout time.Duration) browser.WaitResult {
	if s.launcher.Markers[selector] {
		return browser.WaitResult{Selector: selector, Found: true}
	}
	return browser.WaitResult{Selector: selector, TimedOut: true, Waited: timeout}
}

func (s *Session) ReportBlocked() {
	s.mu.Lock()
	s.blocked++
	s.mu.Unlock()
}

func (s *Session) ReportHealthy() {
	s.mu.Lock()
	s.healthy++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.launcher.active.Add(-1)
	}
	return nil
}

// Navigations returns the URLs visited, in order.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.navigations))
	copy(out, s.navigations)
	return out
}

// Scrolls is the number of scroll scripts evaluated.
func (s *Session) Scrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrolls
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Blocked is the number of ReportBlocked calls.
func (s *Session) Blocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}
