// Package browser implements the bounded pool of headless browser contexts:
// priority-aware fair queueing, health checks, and automatic recycling of
// failing or aged instances.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"

	"github.com/2501Pr0ject/scrapinium/internal/config"
)

// Client is the outbound contract with one browser context. Implementations
// are not safe for concurrent use; the pool guarantees a single holder.
type Client interface {
	// Navigate loads url and waits for the page to settle, returning the final
	// URL after redirects.
	Navigate(ctx context.Context, url string, timeout time.Duration) (string, error)

	// Content returns the rendered HTML of the current page.
	Content(ctx context.Context) (string, error)

	// Ping verifies the underlying browser process is responsive.
	Ping(ctx context.Context) error

	Close() error
}

// Factory creates a fresh browser context. The pool calls it for initial fill
// and for replacements.
type Factory func(ctx context.Context) (Client, error)

// State is an instance's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateInUse
	StateRecycling
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateRecycling:
		return "recycling"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Instance is one pooled browser context. All fields are owned by the pool and
// mutated only under the pool lock; the Client is touched only by the handle
// holder.
type Instance struct {
	id             string
	client         Client
	state          State
	handledCount   int
	failureCount   int
	createdAt      time.Time
	lastActivityAt time.Time
}

// ID returns the instance's process-unique identifier.
func (i *Instance) ID() string { return i.id }

func newInstance(client Client) *Instance {
	now := time.Now()
	return &Instance{
		id:             uuid.NewString(),
		client:         client,
		state:          StateIdle,
		createdAt:      now,
		lastActivityAt: now,
	}
}

// rodClient implements Client on a dedicated Chromium process via Rod.
type rodClient struct {
	browser   *rod.Browser
	page      *rod.Page
	stabilize time.Duration
	logger    *slog.Logger
}

// NewRodFactory returns a Factory that launches hardened headless Chromium
// instances, optionally with stealth pages.
func NewRodFactory(cfg config.BrowserConfig, logger *slog.Logger) Factory {
	logger = logger.With("component", "browser_factory")

	return func(ctx context.Context) (Client, error) {
		l := launcher.New().
			Headless(true).
			Set("disable-gpu").
			Set("disable-dev-shm-usage").
			Set("no-sandbox").
			Set("disable-setuid-sandbox").
			Set("disable-features", "IsolateOrigins,site-per-process").
			Set("disable-blink-features", "AutomationControlled")

		controlURL, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}

		b := rod.New().ControlURL(controlURL).Context(ctx)
		if err := b.Connect(); err != nil {
			return nil, fmt.Errorf("connect browser: %w", err)
		}

		var page *rod.Page
		if cfg.Stealth {
			page, err = stealth.Page(b)
		} else {
			page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		}
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("create page: %w", err)
		}

		logger.Debug("browser context ready", "stealth", cfg.Stealth)
		return &rodClient{
			browser:   b,
			page:      page,
			stabilize: cfg.StabilizeWindow,
			logger:    logger,
		}, nil
	}
}

func (c *rodClient) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	page := c.page.Context(ctx).Timeout(timeout)

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitStable(c.stabilize); err != nil {
		// Stability timeout is survivable; the page may simply keep polling.
		c.logger.Warn("page stability timeout, continuing", "url", url, "error", err)
	}

	info, err := page.Info()
	if err != nil || info == nil {
		return url, nil
	}
	return info.URL, nil
}

func (c *rodClient) Content(ctx context.Context) (string, error) {
	html, err := c.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page content: %w", err)
	}
	return html, nil
}

func (c *rodClient) Ping(ctx context.Context) error {
	// A version round-trip exercises the DevTools connection end to end.
	_, err := proto.BrowserGetVersion{}.Call(c.browser.Context(ctx))
	return err
}

func (c *rodClient) Close() error {
	if c.page != nil {
		_ = c.page.Close()
	}
	return c.browser.Close()
}
