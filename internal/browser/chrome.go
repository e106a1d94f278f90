// internal/browser/chrome.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alitoori/marketbot/internal/config"
	"github.com/alitoori/marketbot/internal/errs"
)

// Login form selectors on the marketplace surface.
const (
	selLoginUser   = `input[name="username"]`
	selLoginPass   = `input[name="password"]`
	selLoginSubmit = `button[type="submit"]`
	selLoginError  = `.login-error`
	selAccountMenu = `[data-account-menu]`
)

const defaultOpTimeout = 30 * time.Second

// maskScript runs before any page script and removes the most common
// automation tell. Marketplace surfaces block sessions that expose it.
const maskScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Chrome implements Port on top of a chromedp-driven browser instance. Each
// Chrome owns its own exec allocator and user data dir, so two instances never
// share cookies, storage, or a renderer.
type Chrome struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	profilePath string
	userAgent   string
	proxy       string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

var _ Port = (*Chrome)(nil)

// NewChrome prepares a browser port for one session. The browser process is
// not launched until Start.
func NewChrome(cfg config.BrowserConfig, logger *zap.Logger) (*Chrome, error) {
	c := &Chrome{
		cfg:    cfg,
		logger: logger.Named("chrome"),
	}

	c.profilePath = filepath.Join(cfg.ProfileDir, uuid.New().String())

	if cfg.UserAgentsFile != "" {
		ua, err := randomLine(cfg.UserAgentsFile)
		if err != nil {
			return nil, fmt.Errorf("selecting user agent: %w", err)
		}
		c.userAgent = ua
	}
	if cfg.ProxiesFile != "" {
		proxy, err := randomLine(cfg.ProxiesFile)
		if err != nil {
			return nil, fmt.Errorf("selecting proxy: %w", err)
		}
		c.proxy = proxy
		c.logger.Info("Proxy selected for session.", zap.String("proxy", proxy))
	}

	return c, nil
}

// Start launches the browser process and connects a tab.
func (c *Chrome) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.profilePath, 0o755); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(c.profilePath),
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if c.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.userAgent))
	}
	if c.proxy != "" {
		opts = append(opts, chromedp.ProxyServer(c.proxy))
	}
	for _, arg := range c.cfg.Args {
		if name, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "="); found {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	c.browserCtx, c.browserStop = chromedp.NewContext(c.allocCtx)

	// Force the browser process to start now so launch failures surface here
	// rather than on the first operation, and prepare the tab: a fixed
	// viewport and the automation mask applied before any page script runs.
	if err := chromedp.Run(c.browserCtx,
		emulation.SetDeviceMetricsOverride(1280, 900, 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(maskScript).Do(ctx)
			return err
		}),
	); err != nil {
		c.releaseContexts()
		return fmt.Errorf("launching browser: %w", err)
	}

	c.logger.Debug("Browser started.", zap.String("profile", c.profilePath))
	return nil
}

// Login performs one authentication attempt. A surface-reported credential
// rejection comes back as *errs.AuthError; anything else is transient.
func (c *Chrome) Login(ctx context.Context, credentialRef string) error {
	creds, ok := os.LookupEnv(credentialRef)
	if !ok {
		return &errs.AuthError{IdentityID: credentialRef, Attempts: 1, Err: fmt.Errorf("credential reference %q not resolvable", credentialRef)}
	}
	user, pass, found := strings.Cut(creds, ":")
	if !found {
		return &errs.AuthError{IdentityID: credentialRef, Attempts: 1, Err: errors.New("credential reference must resolve to user:pass")}
	}

	if err := c.Navigate(ctx, "/login"); err != nil {
		return err
	}
	if err := c.Type(ctx, selLoginUser, user); err != nil {
		return err
	}
	if err := c.Type(ctx, selLoginPass, pass); err != nil {
		return err
	}
	if err := c.Click(ctx, selLoginSubmit); err != nil {
		return err
	}

	// An explicit rejection banner means the credentials are bad; retrying
	// the same identity is pointless.
	if msg, present, err := c.FindText(ctx, selLoginError); err == nil && present {
		return &errs.AuthError{IdentityID: credentialRef, Attempts: 1, Err: fmt.Errorf("surface rejected credentials: %s", msg)}
	}

	if _, present, err := c.FindText(ctx, selAccountMenu); err != nil {
		return err
	} else if !present {
		return errs.Transient("login verification", errs.ErrElementNotFound)
	}
	return nil
}

// Navigate loads target, resolving relative paths against the base URL.
func (c *Chrome) Navigate(ctx context.Context, target string) error {
	url := target
	if strings.HasPrefix(target, "/") {
		url = strings.TrimSuffix(c.cfg.BaseURL, "/") + target
	}

	timeout := c.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if err := c.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return c.classify("navigate", err)
	}
	return nil
}

// Find returns the readable state of every element matching selector, in
// document order. A selector matching nothing yields an empty slice.
func (c *Chrome) Find(ctx context.Context, selector string) ([]Element, error) {
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(el => ({
		text: el.innerText || "",
		attrs: Object.fromEntries(Array.from(el.attributes).map(a => [a.name, a.value])),
	}))`, selector)

	var elements []Element
	if err := c.run(ctx, defaultOpTimeout, chromedp.Evaluate(script, &elements)); err != nil {
		return nil, c.classify("find", err)
	}
	return elements, nil
}

// FindText reads the first matching element's text.
func (c *Chrome) FindText(ctx context.Context, selector string) (string, bool, error) {
	elements, err := c.Find(ctx, selector)
	if err != nil {
		return "", false, err
	}
	if len(elements) == 0 {
		return "", false, nil
	}
	return elements[0].Text, true, nil
}

// Click clicks the first visible element matching selector.
func (c *Chrome) Click(ctx context.Context, selector string) error {
	if err := c.run(ctx, defaultOpTimeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	); err != nil {
		return c.classify("click", err)
	}
	return nil
}

// Type focuses the first matching element and types text into it.
func (c *Chrome) Type(ctx context.Context, selector, text string) error {
	if err := c.run(ctx, defaultOpTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	); err != nil {
		return c.classify("type", err)
	}
	return nil
}

// Screenshot captures the current viewport as PNG bytes.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, defaultOpTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, c.classify("screenshot", err)
	}
	return buf, nil
}

// Close shuts down the tab and browser process.
func (c *Chrome) Close(ctx context.Context) error {
	if c.browserCtx == nil {
		return nil
	}
	// Cancel() tears the browser down gracefully; the allocator cancel below
	// reaps the process if it lingers.
	if err := chromedp.Cancel(c.browserCtx); err != nil && ctx.Err() == nil {
		c.logger.Warn("Error while closing browser.", zap.Error(err))
	}
	c.releaseContexts()
	return nil
}

func (c *Chrome) releaseContexts() {
	if c.browserStop != nil {
		c.browserStop()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browserCtx, c.allocCtx = nil, nil
}

// run executes chromedp actions against the session's browser context while
// respecting both the caller's context and the per-operation timeout.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.browserCtx == nil {
		return errors.New("browser not started")
	}

	opCtx, cancel := context.WithTimeout(c.browserCtx, timeout)
	defer cancel()

	// Propagate caller cancellation into the operation context.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// classify maps raw chromedp failures onto the engine's error taxonomy.
// A dead browser context is still transient from the engine's point of view:
// the orchestrator responds by restarting the session with a fresh browser.
func (c *Chrome) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Selector waits time out when the node never appears.
		return errs.Transient(op, fmt.Errorf("%w: %s", errs.ErrElementNotFound, err))
	}
	return errs.Transient(op, err)
}
