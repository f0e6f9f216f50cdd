// Package browser owns the Chrome connection: launching or attaching,
// page lifecycle, the injected event capture stream, and the rod-backed
// dom.Document implementation the healer queries.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"overlay/internal/config"
	"overlay/internal/logging"
)

var errNoPage = errors.New("browser: no page open")

// Session is one connected page plus its event plumbing.
type Session struct {
	ID  string
	cfg config.BrowserConfig

	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	launched bool // we own the Chrome process
}

// NewSession creates an unconnected session.
func NewSession(cfg config.BrowserConfig) *Session {
	return &Session{ID: uuid.NewString(), cfg: cfg}
}

// Start connects to Chrome: an existing debugger when configured,
// otherwise a fresh launch.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if _, err := s.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection, reconnecting")
		_ = s.browser.Close()
		s.browser = nil
		s.page = nil
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(s.cfg.Headless)
		if len(s.cfg.Launch) > 0 {
			l = l.Bin(s.cfg.Launch[0])
			for _, rawFlag := range s.cfg.Launch[1:] {
				name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
				if hasVal {
					l = l.Set(flags.Flag(name), val)
				} else {
					l = l.Set(flags.Flag(name))
				}
			}
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		s.launched = true
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = b
	logging.Browser("connected to chrome at %s", controlURL)
	return nil
}

// Open navigates a fresh page to url and makes it the session's page.
func (s *Session) Open(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return fmt.Errorf("session not started")
	}
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	if w, h := s.cfg.ViewportWidth, s.cfg.ViewportHeight; w > 0 && h > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width: w, Height: h, DeviceScaleFactor: 1,
		}); err != nil {
			logging.BrowserDebug("viewport override failed: %v", err)
		}
	}
	if err := page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		logging.BrowserWarn("initial load of %s did not settle: %v", url, err)
	}
	s.page = page
	logging.Browser("opened %s", url)
	return nil
}

// Page returns the live page, or nil before Open.
func (s *Session) Page() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Navigate drives the current page to url and waits for load.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.Page()
	if page == nil {
		return fmt.Errorf("no open page")
	}
	p := page.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return p.WaitLoad()
}

// CurrentURL reports the page's present location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	page := s.Page()
	if page == nil {
		return "", fmt.Errorf("no open page")
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	page := s.Page()
	if page == nil {
		return nil, fmt.Errorf("no open page")
	}
	shot, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return shot, nil
}

// Close shuts the page down, and the browser too when we launched it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.page != nil {
		err = s.page.Close()
		s.page = nil
	}
	if s.browser != nil && s.launched {
		if cerr := s.browser.Close(); err == nil {
			err = cerr
		}
		s.browser = nil
	}
	logging.BrowserDebug("session %s closed", s.ID)
	return err
}

// WaitStable blocks briefly until the page stops mutating, bounded by d.
func (s *Session) WaitStable(ctx context.Context, d time.Duration) {
	page := s.Page()
	if page == nil {
		return
	}
	if err := page.Context(ctx).Timeout(d).WaitStable(300 * time.Millisecond); err != nil {
		logging.BrowserDebug("page did not stabilize: %v", err)
	}
}
