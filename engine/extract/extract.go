package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/contentrelay/contentrelay/engine/domain"
)

// Extracted is the result of pulling an article out of a page.
type Extracted struct {
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Author    string            `json:"author,omitempty"`
	TimeText  string            `json:"time_text,omitempty"`
	Images    []domain.ImageRef `json:"images,omitempty"`
	WordCount int               `json:"word_count"`
}

// Generic fallback chains for sites without a registry rule.
var (
	genericTitleFallbacks   = []string{"h1", "title", ".title", ".post-title"}
	genericContentFallbacks = []string{".content", ".post-content", ".article-content", "article", ".post"}
	genericAuthorFallbacks  = []string{".author", ".post-author", "[data-author]"}
	genericTimeFallbacks    = []string{".post-time", ".publish-time", "time", "[datetime]"}
)

// boilerplateSelectors are stripped from every page before extraction.
var boilerplateSelectors = []string{
	".ads", ".advertisement", ".share", ".social",
	".related", ".sidebar", ".footer", ".header",
}

var blankRunsRe = regexp.MustCompile(`\n{3,}`)

// Extractor applies registry rules to fetched HTML.
type Extractor struct {
	reg *Registry
	log *slog.Logger
}

// New creates an Extractor.
func New(reg *Registry, log *slog.Logger) *Extractor {
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{reg: reg, log: log.With("component", "extract")}
}

// Rule exposes the registry rule for a URL, if any.
func (e *Extractor) Rule(pageURL string) (SiteRule, bool) {
	return e.reg.Detect(pageURL)
}

// Extract pulls the article out of html. The document is re-parsed per call,
// so destructive exclusion never touches the caller's data.
func (e *Extractor) Extract(pageURL, html string) (Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: parse: %v", domain.ErrExtraction, err)
	}

	rule, known := e.reg.Detect(pageURL)

	doc.Find("script, style").Remove()
	for _, sel := range boilerplateSelectors {
		doc.Find(sel).Remove()
	}
	for _, sel := range rule.ExcludeSelectors {
		doc.Find(sel).Remove()
	}

	// Scope content search to the main post when the rule names one.
	root := doc.Selection
	if rule.MainPostSelector != "" {
		if scoped := doc.Find(rule.MainPostSelector).First(); scoped.Length() > 0 {
			root = scoped
		}
	}

	title := firstText(doc.Selection, append(rule.TitleSelectors, genericTitleFallbacks...))

	contentSel := firstSelection(root, append(rule.ContentSelectors, genericContentFallbacks...))
	if contentSel == nil {
		return Extracted{}, fmt.Errorf("%w: no content element in %s", domain.ErrExtraction, pageURL)
	}

	images := normalizeImages(contentSel, pageURL)
	content := cleanWhitespace(blockText(contentSel))
	if content == "" {
		return Extracted{}, fmt.Errorf("%w: empty content in %s", domain.ErrExtraction, pageURL)
	}

	out := Extracted{
		Title:     title,
		Content:   content,
		Author:    firstText(doc.Selection, append(rule.AuthorSelectors, genericAuthorFallbacks...)),
		TimeText:  extractTime(doc.Selection, append(rule.TimeSelectors, genericTimeFallbacks...)),
		Images:    images,
		WordCount: WordCount(content),
	}
	if !known {
		e.log.Debug("no site rule, generic extraction", "url", pageURL)
	}
	return out, nil
}

// WordCount counts runes after stripping all whitespace.
func WordCount(s string) int {
	compact := strings.Join(strings.Fields(s), "")
	return utf8.RuneCountInString(compact)
}

// firstText returns the trimmed text of the first selector with content.
func firstText(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if found := s.Find(sel).First(); found.Length() > 0 {
			if text := strings.TrimSpace(found.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// firstSelection returns the first matching non-empty selection.
func firstSelection(s *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if found := s.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// extractTime prefers a machine-readable datetime attribute over node text.
func extractTime(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		found := s.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		if dt, ok := found.Attr("datetime"); ok && dt != "" {
			return dt
		}
		if text := strings.TrimSpace(found.Text()); text != "" {
			return text
		}
	}
	return ""
}

// normalizeImages rewrites lazy-load and relative image sources to absolute
// URLs and returns the collected list in document order.
func normalizeImages(content *goquery.Selection, pageURL string) []domain.ImageRef {
	base, err := url.Parse(pageURL)
	origin := ""
	if err == nil && base.Scheme != "" {
		origin = base.Scheme + "://" + base.Host
	}

	var images []domain.ImageRef
	content.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := firstAttr(img, "data-src", "data-original", "src")
		if src == "" {
			return
		}
		switch {
		case strings.HasPrefix(src, "//"):
			src = "https:" + src
		case strings.HasPrefix(src, "/") && origin != "":
			src = origin + src
		}
		img.SetAttr("src", src)
		images = append(images, domain.ImageRef{
			URL:    src,
			Alt:    strings.TrimSpace(img.AttrOr("alt", "")),
			Title:  strings.TrimSpace(img.AttrOr("title", "")),
			Width:  intAttr(img, "width"),
			Height: intAttr(img, "height"),
		})
	})
	return images
}

func intAttr(s *goquery.Selection, name string) int {
	v, ok := s.Attr(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// blockText renders a selection's text with block elements as separate
// lines, so downstream line-based cleaning sees real paragraphs. Nested
// blocks are skipped to avoid duplicating their text.
func blockText(s *goquery.Selection) string {
	const blocks = "p, li, h1, h2, h3, h4, blockquote, pre"
	found := s.Find(blocks)
	if found.Length() == 0 {
		return s.Text()
	}
	var b strings.Builder
	found.Each(func(_ int, blk *goquery.Selection) {
		if blk.Find(blocks).Length() > 0 {
			return
		}
		if text := strings.TrimSpace(blk.Text()); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	})
	if strings.TrimSpace(b.String()) == "" {
		return s.Text()
	}
	return b.String()
}

// cleanWhitespace trims lines and collapses runs of blank lines to at most two.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	joined := strings.Join(lines, "\n")
	joined = blankRunsRe.ReplaceAllString(joined, "\n\n")
	return strings.TrimSpace(joined)
}
