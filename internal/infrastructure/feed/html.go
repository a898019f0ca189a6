package feed

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StripHTML renders markup as plain text with collapsed whitespace. Input
// that does not parse is returned trimmed as is.
func StripHTML(markup string) string {
	if !strings.ContainsAny(markup, "<&") {
		return strings.Join(strings.Fields(markup), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return strings.TrimSpace(markup)
	}
	doc.Find("script, style, noscript").Remove()

	var parts []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}
