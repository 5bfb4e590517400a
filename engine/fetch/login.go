package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/contentrelay/contentrelay/engine/domain"
)

// LoginSpec describes how to authenticate against a site. Selector fields
// are tried first; the generic fallback chains cover Discourse and common
// login form markup.
type LoginSpec struct {
	LoginURL         string
	Username         string
	Password         string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	SuccessSelectors []string
}

var usernameFallbacks = []string{
	"#login-account-name",
	`input[name="login"]`,
	`input[name="username"]`,
	`input[name="email"]`,
	`.login-form input[type="text"]`,
	`.login-form input[type="email"]`,
}

var passwordFallbacks = []string{
	"#login-account-password",
	`input[name="password"]`,
	`input[type="password"]`,
}

var submitFallbacks = []string{
	"#login-button",
	`button[type="submit"]`,
	".login-form button",
	".btn-primary",
	`input[type="submit"]`,
}

// successIndicators are elements only rendered for an authenticated user.
var successIndicators = []string{
	".header-dropdown-toggle",
	".current-user",
	".user-menu",
	"[data-user-card]",
	".user-activity-link",
}

// selectorChain returns the preferred selector followed by fallbacks.
func selectorChain(preferred string, fallbacks []string) []string {
	if preferred == "" {
		return fallbacks
	}
	out := make([]string, 0, len(fallbacks)+1)
	out = append(out, preferred)
	for _, s := range fallbacks {
		if s != preferred {
			out = append(out, s)
		}
	}
	return out
}

// textIndicatesLoggedIn checks the logged-in heuristic used when no success
// selector matches: a logout affordance in the page text, away from the
// login page itself.
func textIndicatesLoggedIn(pageText, pageURL string) bool {
	if strings.Contains(pageURL, "/login") {
		return false
	}
	lower := strings.ToLower(pageText)
	return strings.Contains(lower, "logout") || strings.Contains(pageText, "退出")
}

// Login authenticates the tab bound to ctx. It short-circuits when the
// session is already authenticated.
func (b *Browser) Login(ctx context.Context, spec LoginSpec) error {
	if spec.LoginURL == "" {
		return fmt.Errorf("%w: no login url", domain.ErrAuthentication)
	}

	if err := chromedp.Run(ctx, chromedp.Navigate(spec.LoginURL)); err != nil {
		return fmt.Errorf("%w: navigate login: %v", domain.ErrAuthentication, err)
	}

	if ok, _ := b.loggedIn(ctx, spec.SuccessSelectors); ok {
		b.log.Info("already logged in", "url", spec.LoginURL)
		return nil
	}

	if err := fillFirst(ctx, selectorChain(spec.UsernameSelector, usernameFallbacks), spec.Username); err != nil {
		return fmt.Errorf("%w: username field: %v", domain.ErrAuthentication, err)
	}
	if err := fillFirst(ctx, selectorChain(spec.PasswordSelector, passwordFallbacks), spec.Password); err != nil {
		return fmt.Errorf("%w: password field: %v", domain.ErrAuthentication, err)
	}
	if err := clickFirst(ctx, selectorChain(spec.SubmitSelector, submitFallbacks)); err != nil {
		return fmt.Errorf("%w: submit button: %v", domain.ErrAuthentication, err)
	}

	// Let the post-login redirect settle before checking.
	if err := chromedp.Run(ctx, chromedp.Sleep(3*time.Second)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	ok, err := b.loggedIn(ctx, spec.SuccessSelectors)
	if err != nil {
		return fmt.Errorf("%w: verify: %v", domain.ErrAuthentication, err)
	}
	if !ok {
		return fmt.Errorf("%w: no logged-in indicator after submit", domain.ErrAuthentication)
	}

	b.log.Info("login succeeded", "url", spec.LoginURL)
	return b.persistCookies(ctx)
}

// loggedIn checks success selectors, then the page-text heuristic.
func (b *Browser) loggedIn(ctx context.Context, extra []string) (bool, error) {
	indicators := append(append([]string{}, extra...), successIndicators...)
	for _, sel := range indicators {
		exists, err := selectorExists(ctx, sel)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}

	var text, loc string
	err := chromedp.Run(ctx,
		chromedp.Location(&loc),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return false, err
	}
	return textIndicatesLoggedIn(text, loc), nil
}

// fillFirst types value into the first selector that exists on the page.
func fillFirst(ctx context.Context, selectors []string, value string) error {
	for _, sel := range selectors {
		exists, err := selectorExists(ctx, sel)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		return chromedp.Run(ctx,
			chromedp.Clear(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, value, chromedp.ByQuery),
		)
	}
	return fmt.Errorf("no matching selector in %v", selectors)
}

// clickFirst clicks the first selector that exists on the page.
func clickFirst(ctx context.Context, selectors []string) error {
	for _, sel := range selectors {
		exists, err := selectorExists(ctx, sel)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		return chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery))
	}
	return fmt.Errorf("no matching selector in %v", selectors)
}

// selectorExists reports element presence without waiting for it.
func selectorExists(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}
