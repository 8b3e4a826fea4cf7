// Package utils holds HTML helpers shared by the inbound and outbound mail paths.
package utils

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer cleans HTML mail bodies before they are stored.
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer creates a sanitizer whose policy keeps basic formatting
// and drops scripts, styles, forms and remote images.
func NewHTMLSanitizer() *HTMLSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del", "small", "sub", "sup")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "br", "hr", "div", "span")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("blockquote", "code", "pre")
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	// Inline images travel as cid: parts; remote ones are tracking pixels.
	p.AllowElements("img")
	p.AllowAttrs("alt", "width", "height").OnElements("img")
	p.AllowAttrs("src").Matching(regexp.MustCompile(`^cid:`)).OnElements("img")

	p.AllowElements("a")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &HTMLSanitizer{policy: p}
}

// Sanitize cleans HTML content to prevent XSS attacks
func (s *HTMLSanitizer) Sanitize(content string) string {
	return s.policy.Sanitize(content)
}

var (
	blockBreaks = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	dropBlocks  = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
)

// HTMLToText renders an HTML body as plain text, keeping line breaks at
// block boundaries.
func HTMLToText(content string) string {
	content = dropBlocks.ReplaceAllString(content, "")
	content = blockBreaks.ReplaceAllString(content, "\n")
	content = html.UnescapeString(bluemonday.StrictPolicy().Sanitize(content))
	content = strings.ReplaceAll(content, "\u00a0", " ")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	content = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(content, "\n\n"))
}

// IsHTML checks if the content appears to be HTML
func IsHTML(content string) bool {
	htmlTags := []string{"<p>", "<br", "<div", "<span", "<b>", "<i>", "<strong>", "<em>", "<h1>", "<h2>", "<h3>", "<ul>", "<ol>", "<li>", "<table", "<a ", "<blockquote>", "<img ", "<html"}

	contentLower := strings.ToLower(content)
	for _, tag := range htmlTags {
		if strings.Contains(contentLower, tag) {
			return true
		}
	}

	return false
}
