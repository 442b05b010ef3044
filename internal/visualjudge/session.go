package visualjudge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// SessionManager owns a single headless-browser instance used for the
// local-capture path: launching, navigating, and screenshotting both the
// live and dev bindings before handing the images to the agent, instead of
// relying entirely on the agent's own MCP browser tool.
type SessionManager struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
	pages   map[string]*rod.Page
}

// NewSessionManager creates a SessionManager that launches headless by
// default; headless is only disabled for local debugging.
func NewSessionManager(headless bool) *SessionManager {
	return &SessionManager{headless: headless, pages: make(map[string]*rod.Page)}
}

// Start launches a detached Chrome instance, first clearing any stale
// singleton lock files left behind by a killed previous run.
func (m *SessionManager) Start(sessions []McpSessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return nil
	}

	for _, err := range GuardCleanup(sessions) {
		_ = err // best-effort; a stale lock that fails to remove still lets rod retry its own launch
	}

	controlURL, err := launcher.New().Headless(m.headless).Launch()
	if err != nil {
		return fmt.Errorf("launch headless browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	m.browser = browser
	return nil
}

// Navigate opens sessionName's bound page (creating it on first use) and
// navigates to url.
func (m *SessionManager) Navigate(ctx context.Context, sessionName, url string) error {
	m.mu.Lock()
	browser := m.browser
	page, ok := m.pages[sessionName]
	m.mu.Unlock()
	if browser == nil {
		return fmt.Errorf("session manager not started")
	}

	if !ok {
		incognito, err := browser.Incognito()
		if err != nil {
			return fmt.Errorf("incognito context for %s: %w", sessionName, err)
		}
		page, err = incognito.Page(proto.TargetCreateTarget{})
		if err != nil {
			return fmt.Errorf("open page for %s: %w", sessionName, err)
		}
		m.mu.Lock()
		m.pages[sessionName] = page
		m.mu.Unlock()
	}

	return page.Context(ctx).Timeout(30 * time.Second).Navigate(url)
}

// Screenshot captures sessionName's current page as a PNG.
func (m *SessionManager) Screenshot(ctx context.Context, sessionName string) ([]byte, error) {
	m.mu.Lock()
	page, ok := m.pages[sessionName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionName)
	}
	return page.Context(ctx).Screenshot(true, nil)
}

// CaptureToFile navigates sessionName to url, screenshots it, and writes
// the PNG under dir, returning the file's path for embedding in an agent
// prompt.
func (m *SessionManager) CaptureToFile(ctx context.Context, sessionName, url, dir string) (string, error) {
	if err := m.Navigate(ctx, sessionName, url); err != nil {
		return "", err
	}
	png, err := m.Screenshot(ctx, sessionName)
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", sessionName, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, sessionName+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// Shutdown closes every tracked page and the browser itself.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, page := range m.pages {
		_ = page.Close()
		delete(m.pages, name)
	}
	if m.browser == nil {
		return nil
	}
	err := m.browser.Close()
	m.browser = nil
	return err
}
