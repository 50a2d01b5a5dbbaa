// Package browser defines the page-automation contract the collectors run on,
// plus a chromedp implementation.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionUnavailable means no browser session could be opened at all.
// Callers treat it as fatal for the whole run.
var ErrSessionUnavailable = errors.New("browser session unavailable")

// WaitUntil selects the page lifecycle event a navigation waits for.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
)

// NavigateOptions bound a single navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// WaitResult is the outcome of a best-effort marker wait. A timeout is not an
// error; it is reported here so callers can log or assert on it.
type WaitResult struct {
	Selector string
	Found    bool
	TimedOut bool
	Waited   time.Duration
	Err      error
}

// Session is one browser tab exclusively owned by its caller.
type Session interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	// Evaluate runs script in the page and decodes its JSON result into out.
	// out may be nil.
	Evaluate(ctx context.Context, script string, out any) error
	WaitForMarker(ctx context.Context, selector string, timeout time.Duration) WaitResult
	Close() error
}

// Launcher opens sessions.
type Launcher interface {
	NewSession(ctx context.Context) (Session, error)
}

// BlockReporter is implemented by sessions that can feed block outcomes back
// into their proxy rotation.
type BlockReporter interface {
	ReportBlocked()
	ReportHealthy()
}

// ReportBlocked tells the session's proxy rotation that the page was blocked.
func ReportBlocked(s Session) {
	if r, ok := s.(BlockReporter); ok {
		r.ReportBlocked()
	}
}

// ReportHealthy tells the session's proxy rotation that the page loaded cleanly.
func ReportHealthy(s Session) {
	if r, ok := s.(BlockReporter); ok {
		r.ReportHealthy()
	}
}

const (
	// DocumentHTMLScript returns the rendered DOM.
	DocumentHTMLScript = "document.documentElement.outerHTML"
	// LocationScript returns the current page URL.
	LocationScript = "window.location.href"
	// ScrollScriptTag prefixes every script built by ScrollScript.
	ScrollScriptTag = "/* scroll-to-bottom */"
)

// DocumentHTML returns the current rendered DOM of the session's page.
func DocumentHTML(ctx context.Context, s Session) (string, error) {
	var html string
	if err := s.Evaluate(ctx, DocumentHTMLScript, &html); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// CurrentURL returns the URL the page ended up on after redirects.
func CurrentURL(ctx context.Context, s Session) (string, error) {
	var u string
	if err := s.Evaluate(ctx, LocationScript, &u); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

// ScrollScript builds a script that scrolls the element matching selector to
// its bottom and brings its last list item into view. It evaluates to false
// when no such element exists.
func ScrollScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return ScrollScriptTag + `(() => {
	const c = document.querySelector(` + string(quoted) + `);
	if (!c) return false;
	c.scrollTop = c.scrollHeight;
	const items = c.querySelectorAll('li');
	if (items.length > 0) items[items.length - 1].scrollIntoView({block: 'end'});
	return true;
})()`
}

// ScrollToBottom scrolls the container matching selector. The bool is false
// when the container is missing.
func ScrollToBottom(ctx context.Context, s Session, selector string) (bool, error) {
	var ok bool
	if err := s.Evaluate(ctx, ScrollScript(selector), &ok); err != nil {
		return false, fmt.Errorf("scroll %s: %w", selector, err)
	}
	return ok, nil
}
