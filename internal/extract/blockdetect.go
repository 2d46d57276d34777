package extract

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/resilience"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockForbidden  BlockType = "forbidden"
	BlockRateLimit  BlockType = "rate_limit"
)

// DetectBlock checks a loaded page for signs of anti-bot protection.
// status is the navigation response code, 0 when unknown.
func DetectBlock(status int, html string) (bool, BlockType) {
	lower := strings.ToLower(html)

	switch {
	case strings.Contains(lower, "checking your browser"),
		strings.Contains(lower, "cf-browser-verification"),
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge"):
		return true, BlockCloudflare
	case strings.Contains(lower, "captcha"):
		return true, BlockCaptcha
	}

	switch status {
	case 403:
		if strings.Contains(lower, "cloudflare") {
			return true, BlockCloudflare
		}
		return true, BlockForbidden
	case 429:
		return true, BlockRateLimit
	}
	return false, BlockNone
}

// pageError maps a loaded page to the error the failure log should classify,
// or nil when the page is usable.
func pageError(p *Page) error {
	if blocked, kind := DetectBlock(p.Status, p.HTML); blocked {
		return eris.Wrapf(resilience.ErrBlocked, "extract: %s (%s)", p.URL, kind)
	}
	switch {
	case p.Status == 404 || p.Status == 410:
		return eris.Wrapf(resilience.ErrNotFound, "extract: %s", p.URL)
	case resilience.IsTransientHTTPStatus(p.Status):
		return resilience.NewTransientError(eris.Errorf("extract: %s returned %d", p.URL, p.Status), p.Status)
	}
	return nil
}
