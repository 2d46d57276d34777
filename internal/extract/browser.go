package extract

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Page is a navigated page and the value its extraction script produced.
type Page struct {
	URL    string
	Status int
	HTML   string
	Result string
}

// Fetcher navigates to a URL and evaluates a script that returns a string.
type Fetcher interface {
	Fetch(ctx context.Context, url, script string) (*Page, error)
	Close() error
}

// BrowserConfig configures the headless Chrome fetcher.
type BrowserConfig struct {
	// RemoteURL is the DevTools websocket of an existing Chrome. Empty launches one locally.
	RemoteURL string
	UserAgent string
}

const statusScript = `() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return nav && nav.responseStatus ? nav.responseStatus : 0;
}`

// Browser is a Fetcher backed by go-rod with stealth pages.
type Browser struct {
	cfg     BrowserConfig
	browser *rod.Browser
	lnch    *launcher.Launcher
	mu      sync.Mutex
	log     *zap.Logger
}

// NewBrowser launches or connects to Chrome.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	log := zap.L().With(zap.String("component", "extract.browser"))

	var (
		wsURL string
		lnch  *launcher.Launcher
	)
	if cfg.RemoteURL != "" {
		wsURL = cfg.RemoteURL
		log.Info("connecting to remote chrome", zap.String("url", wsURL))
	} else {
		lnch = launcher.New().
			Headless(true).
			NoSandbox(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := lnch.Launch()
		if err != nil {
			return nil, eris.Wrap(err, "extract: launch chrome")
		}
		wsURL = u
		log.Info("launched local chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, eris.Wrap(err, "extract: connect chrome")
	}
	return &Browser{cfg: cfg, browser: b, lnch: lnch, log: log}, nil
}

// Fetch opens a fresh stealth tab, loads url and evaluates script.
func (b *Browser) Fetch(ctx context.Context, url, script string) (*Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, eris.Wrap(err, "extract: open tab")
	}
	defer func() {
		if err := page.Close(); err != nil {
			b.log.Debug("close tab", zap.Error(err))
		}
	}()

	if b.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.cfg.UserAgent}); err != nil {
			b.log.Warn("set user agent", zap.Error(err))
		}
	}

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return nil, eris.Wrapf(err, "extract: navigate %s", url)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, eris.Wrapf(err, "extract: wait load %s", url)
	}

	out := &Page{URL: url}
	if res, err := p.Eval(statusScript); err == nil {
		out.Status = res.Value.Int()
	}
	if html, err := p.HTML(); err == nil {
		out.HTML = html
	}
	if script != "" {
		res, err := p.Eval(script)
		if err != nil {
			return out, eris.Wrapf(err, "extract: evaluate %s", url)
		}
		out.Result = res.Value.Str()
	}
	return out, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}
