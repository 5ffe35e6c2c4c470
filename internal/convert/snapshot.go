package convert

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// DefaultSnapshotTimeout bounds page load plus settle time.
const DefaultSnapshotTimeout = 45 * time.Second

// Snapshotter renders pages in headless Chromium and returns the resulting
// DOM. Rod downloads Chromium on first use unless ROD_BROWSER_BIN is set.
type Snapshotter struct {
	mu      sync.Mutex
	browser *rod.Browser
	bin     string
	timeout time.Duration
}

// NewSnapshotter creates a Snapshotter. bin overrides ROD_BROWSER_BIN.
func NewSnapshotter(bin string, timeout time.Duration) *Snapshotter {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	if bin == "" {
		bin = os.Getenv("ROD_BROWSER_BIN")
	}
	return &Snapshotter{bin: bin, timeout: timeout}
}

// ensureBrowser lazily connects to the browser.
func (s *Snapshotter) ensureBrowser() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return s.browser, nil
	}

	l := launcher.New()
	if s.bin != "" {
		l = l.Bin(s.bin)
	}
	// NoSandbox required for CI and containerized environments
	if os.Getenv("CI") == "true" || s.bin != "" {
		l = l.NoSandbox(true)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	s.browser = b
	return b, nil
}

// Snapshot loads target, waits for the page to settle and returns its HTML.
func (s *Snapshotter) Snapshot(ctx context.Context, target string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	browser, err := s.ensureBrowser()
	if err != nil {
		return "", err
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
		if timeout <= 0 {
			return "", context.DeadlineExceeded
		}
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPageLoad, err)
	}
	defer page.Close()

	page = page.Timeout(timeout)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPageLoad, err)
	}
	// Script-rendered pages keep mutating after load.
	if err := page.WaitStable(time.Second); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPageLoad, err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPageLoad, err)
	}
	return html, nil
}

// Close releases browser resources.
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		err := s.browser.Close()
		s.browser = nil
		return err
	}
	return nil
}
