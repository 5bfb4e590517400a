package extract

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/contentrelay/contentrelay/engine/domain"
)

// promotionalPatterns match follow-bait, footer boilerplate, and attribution
// lines that public-account articles carry. A line matching any pattern is
// dropped during cleaning.
var promotionalPatterns = compileAll(
	`点击.*?关注`,
	`长按.*?关注`,
	`扫码关注`,
	`关注.*?公众号`,
	`点击上方.*?关注`,
	`星标置顶`,
	`点击.*?阅读原文`,
	`在看点这里`,
	`分享点这里`,
	`点赞.*?在看`,
	`转发.*?朋友圈`,
	`推荐阅读`,
	`往期精彩`,
	`更多精彩内容`,
	`热门文章`,
	`相关阅读`,
	`免责声明`,
	`版权声明`,
	`版权所有`,
	`转载请注明`,
	`商务合作`,
	`投稿邮箱`,
	`联系我们`,
	`广告投放`,
	`——.*?节选自`,
	`来源[:：]`,
	`编辑[:：]`,
	`审核[:：]`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// minLineRunes is the shortest line kept during cleaning.
const minLineRunes = 3

// selectPreferThreshold: when both engines succeed and their lengths differ
// by less than this fraction, the structural engine wins.
const selectPreferThreshold = 0.2

// AuthorRule windows an account's articles between known markers.
type AuthorRule struct {
	ContentStartMarker string   `json:"content_start_marker,omitempty"`
	ContentEndMarker   string   `json:"content_end_marker,omitempty"`
	IncludeMarkers     []string `json:"include_markers,omitempty"`
	FallbackToFull     bool     `json:"fallback_to_full,omitempty"`
}

// engineResult is one extraction engine's output.
type engineResult struct {
	Title   string
	Content string
	OK      bool
}

// Optimized is the cleaned article produced by the dual-engine path.
type Optimized struct {
	Title             string  `json:"title"`
	Content           string  `json:"content"`
	Engine            string  `json:"engine"`
	OriginalWordCount int     `json:"original_word_count"`
	WordCount         int     `json:"word_count"`
	CleaningRatio     float64 `json:"cleaning_ratio"`
}

// WeChatOptimizer extracts and cleans public-account article content using
// two independent engines with a selector-path fallback.
type WeChatOptimizer struct {
	ex          *Extractor
	authorRules map[string]AuthorRule
	log         *slog.Logger
}

// NewWeChatOptimizer creates an optimizer. authorRules may be nil.
func NewWeChatOptimizer(ex *Extractor, authorRules map[string]AuthorRule, log *slog.Logger) *WeChatOptimizer {
	if ex == nil {
		ex = New(nil, log)
	}
	if log == nil {
		log = slog.Default()
	}
	return &WeChatOptimizer{
		ex:          ex,
		authorRules: authorRules,
		log:         log.With("component", "wechat-optimizer"),
	}
}

// Optimize runs both engines, picks a winner, applies author windowing and
// promotional cleaning. account selects an AuthorRule and may be empty.
func (o *WeChatOptimizer) Optimize(pageURL, html, account string) (Optimized, error) {
	a := engineStructural(html)
	b := engineDensity(html)

	chosen, engine := selectEngine(a, b)
	if !chosen.OK {
		// Both engines failed; fall back to the plain selector path.
		ext, err := o.ex.Extract(pageURL, html)
		if err != nil {
			return Optimized{}, fmt.Errorf("%w: all engines failed for %s", domain.ErrExtraction, pageURL)
		}
		chosen = engineResult{Title: ext.Title, Content: ext.Content, OK: true}
		engine = "selector"
	}

	content := chosen.Content
	if rule, ok := o.authorRules[account]; ok {
		content = applyAuthorWindow(content, rule)
	}

	include := []string(nil)
	if rule, ok := o.authorRules[account]; ok {
		include = rule.IncludeMarkers
	}

	originalCount := WordCount(chosen.Content)
	cleaned := cleanPromotional(content, include)
	cleanedCount := WordCount(cleaned)

	ratio := 0.0
	if originalCount > 0 {
		ratio = 1 - float64(cleanedCount)/float64(originalCount)
	}

	o.log.Debug("content optimized",
		"url", pageURL, "engine", engine,
		"original_words", originalCount, "words", cleanedCount)

	return Optimized{
		Title:             chosen.Title,
		Content:           cleaned,
		Engine:            engine,
		OriginalWordCount: originalCount,
		WordCount:         cleanedCount,
		CleaningRatio:     ratio,
	}, nil
}

// engineStructural reads the article through the platform's own markup.
func engineStructural(html string) engineResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return engineResult{}
	}
	doc.Find("script, style").Remove()

	title := strings.TrimSpace(doc.Find("#activity-name").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
		title = strings.TrimSpace(title)
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	content := cleanWhitespace(blockText(doc.Find("#js_content").First()))
	if content == "" {
		content = cleanWhitespace(blockText(doc.Find(".rich_media_content").First()))
	}
	return engineResult{Title: title, Content: content, OK: content != ""}
}

// engineDensity picks the densest text container, independent of the
// platform markup. It survives markup changes that break the selectors.
func engineDensity(html string) engineResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return engineResult{}
	}
	doc.Find("script, style, nav, header, footer").Remove()

	best := ""
	doc.Find("div, article, section").Each(func(_ int, s *goquery.Selection) {
		text := cleanWhitespace(blockText(s))
		if len(text) > len(best) {
			best = text
		}
	})
	title := strings.TrimSpace(doc.Find("title").First().Text())
	return engineResult{Title: title, Content: best, OK: best != ""}
}

// selectEngine applies the preference rule: a single success wins; with two
// successes the structural engine wins unless the density engine found
// substantially more text.
func selectEngine(a, b engineResult) (engineResult, string) {
	switch {
	case a.OK && !b.OK:
		return a, "structural"
	case b.OK && !a.OK:
		return b, "density"
	case !a.OK && !b.OK:
		return engineResult{}, ""
	}

	la, lb := len(a.Content), len(b.Content)
	max := la
	if lb > max {
		max = lb
	}
	diff := float64(abs(la-lb)) / float64(max)
	if diff < selectPreferThreshold {
		return a, "structural"
	}
	if lb > la {
		return b, "density"
	}
	return a, "structural"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// applyAuthorWindow slices content between the rule's start and end markers.
// A missing start marker keeps the full content only when FallbackToFull.
func applyAuthorWindow(content string, rule AuthorRule) string {
	if rule.ContentStartMarker == "" && rule.ContentEndMarker == "" {
		return content
	}

	windowed := content
	if rule.ContentStartMarker != "" {
		idx := strings.Index(windowed, rule.ContentStartMarker)
		if idx < 0 {
			if rule.FallbackToFull {
				return content
			}
			return ""
		}
		windowed = windowed[idx+len(rule.ContentStartMarker):]
	}
	if rule.ContentEndMarker != "" {
		if idx := strings.Index(windowed, rule.ContentEndMarker); idx >= 0 {
			windowed = windowed[:idx]
		}
	}
	return strings.TrimSpace(windowed)
}

// cleanPromotional drops promotional lines, too-short lines, and symbol-only
// lines, then collapses blank runs. Lines carrying an include marker are
// always kept.
func cleanPromotional(content string, includeMarkers []string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, "")
			continue
		}
		if containsMarker(trimmed, includeMarkers) {
			kept = append(kept, trimmed)
			continue
		}
		if matchesAny(trimmed, promotionalPatterns) {
			continue
		}
		if lineRunes(trimmed) < minLineRunes {
			continue
		}
		if symbolOnly(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	joined := strings.Join(kept, "\n")
	joined = blankRunsRe.ReplaceAllString(joined, "\n\n")
	return strings.TrimSpace(joined)
}

func containsMarker(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func lineRunes(line string) int {
	return len([]rune(line))
}

// symbolOnly reports whether the line has no letters or digits at all.
func symbolOnly(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
