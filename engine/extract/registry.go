// Package extract turns fetched HTML into titled, cleaned article content.
// A registry of per-site rules selects selectors and login requirements by
// hostname; unknown hosts fall back to generic selector chains.
package extract

import (
	"net/url"
	"strings"
)

// SiteRule describes how to treat pages from one site.
type SiteRule struct {
	Host          string
	RequiresLogin bool
	LoginURL      string

	// Login selector overrides; empty fields use the generic fallbacks.
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	SuccessSelectors []string

	// MainPostSelector scopes extraction to one element, e.g. the first
	// post of a Discourse topic. Empty means the whole document.
	MainPostSelector string

	TitleSelectors   []string
	ContentSelectors []string
	AuthorSelectors  []string
	TimeSelectors    []string
	ExcludeSelectors []string
}

// Registry maps hostnames to site rules.
type Registry struct {
	rules map[string]SiteRule
}

// NewRegistry creates a registry seeded with the built-in rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]SiteRule)}
	for _, rule := range builtinRules() {
		r.Register(rule)
	}
	return r
}

// Register adds or replaces a rule, keyed by its host.
func (r *Registry) Register(rule SiteRule) {
	r.rules[strings.ToLower(rule.Host)] = rule
}

// Detect returns the rule for a URL's host. Subdomains inherit the parent
// rule. ok is false for unknown hosts.
func (r *Registry) Detect(rawURL string) (SiteRule, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SiteRule{}, false
	}
	host := strings.ToLower(u.Hostname())

	if rule, ok := r.rules[host]; ok {
		return rule, true
	}
	for h, rule := range r.rules {
		if strings.HasSuffix(host, "."+h) {
			return rule, true
		}
	}
	return SiteRule{}, false
}

// builtinRules are the sites with dedicated handling.
func builtinRules() []SiteRule {
	return []SiteRule{
		{
			Host:             "linux.do",
			RequiresLogin:    true,
			LoginURL:         "https://linux.do/login",
			UsernameSelector: "#login-account-name",
			PasswordSelector: "#login-account-password",
			SubmitSelector:   "#login-button",
			MainPostSelector: "#post_1, .topic-post:first-child, [data-post-number='1']",
			TitleSelectors: []string{
				`a.fancy-title span[dir="auto"]`,
				`.fancy-title span[dir="auto"]`,
				"h1",
			},
			ContentSelectors: []string{".cooked"},
			AuthorSelectors: []string{
				".topic-meta-data .creator a",
				".names .first a",
				".topic-avatar .username",
				".post .username",
			},
			TimeSelectors: []string{
				".topic-meta-data .created-at",
				".post-date",
				"time.relative-date",
			},
			ExcludeSelectors: []string{
				".nav", ".header", ".footer", ".sidebar",
				".comments", ".replies", ".avatar", ".controls",
				".topic-meta-data", ".topic-map", ".suggested-topics",
				".topic-footer-buttons", ".post-menu-area",
				".quote-controls", ".post-controls", ".user-card",
				".topic-post:not(:first-child)",
				".timeline-container", ".topic-timeline",
				".more-topics",
			},
		},
		{
			Host:             "nodeseek.com",
			RequiresLogin:    true,
			LoginURL:         "https://www.nodeseek.com/signIn.html",
			UsernameSelector: "input[name='username']",
			PasswordSelector: "input[name='password']",
			SubmitSelector:   "button[type='submit']",
			MainPostSelector: ".post-list .content-item:first-child, .nsk-post",
			TitleSelectors: []string{
				".post-title",
				"h1.post-title",
				"h1",
			},
			ContentSelectors: []string{
				".post-content",
				".content",
			},
			AuthorSelectors: []string{
				".author-info .author-name",
				".post-meta .author-name",
			},
			TimeSelectors: []string{
				".post-meta time",
				".post-time",
			},
			ExcludeSelectors: []string{
				".nav", ".footer", ".sidebar",
				".comment-container", ".comments",
				".post-menu", ".floor-link", ".avatar",
				".content-item:not(:first-child)",
			},
		},
		{
			Host: "mp.weixin.qq.com",
			TitleSelectors: []string{
				"#activity-name",
				"h1.rich_media_title",
				"h1",
			},
			ContentSelectors: []string{
				"#js_content",
				".rich_media_content",
			},
			AuthorSelectors: []string{
				"#js_name",
				".rich_media_meta_nickname",
				".wx_follow_nickname",
			},
			TimeSelectors: []string{"#publish_time", "em#publish_time"},
			ExcludeSelectors: []string{
				".rich_media_tool", "#js_pc_qr_code", ".qr_code_pc_outer",
			},
		},
	}
}
