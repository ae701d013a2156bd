// Package browser lifts an authenticated TradingView session cookie from a
// running Chromium profile over CDP. Used as a login fallback when the
// platform gates form sign-in (captcha, device checks) but an operator's
// browser already holds a live session.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

const attachTimeout = 10 * time.Second

// SessionCookie connects to the browser at cdpURL and returns the value of
// the tradingview.com sessionid cookie from its profile, or an error when
// no such cookie exists.
func SessionCookie(ctx context.Context, cdpURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cdpURL)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var value string
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("read browser cookies: %w", err)
		}
		for _, c := range cookies {
			if c.Name == "sessionid" && strings.HasSuffix(c.Domain, "tradingview.com") {
				value = c.Value
				return nil
			}
		}
		return fmt.Errorf("no tradingview.com sessionid cookie in browser profile")
	}))
	if err != nil {
		return "", err
	}
	return value, nil
}
