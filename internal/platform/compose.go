package platform

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"ArticleRelay/internal/domain"
)

// Limits describes how much text a platform accepts in one post.
type Limits struct {
	MaxChars    int
	MaxHashtags int
	// LinkInText appends the link to the post body.
	LinkInText bool
	// LinkWeight is the fixed cost of a link (Twitter counts every URL as 23).
	// Zero means the link counts by its length.
	LinkWeight int
}

const blockSep = "\n\n"

// Compose renders an article into a post that fits the limits. Hashtags are
// dropped first, then the summary is shortened, then the title.
func Compose(article domain.Article, link string, lim Limits) domain.Payload {
	title := collapse(article.Title)
	summary := collapse(Excerpt(article))
	hashtags := Hashtags(article.Category, article.Tags, lim.MaxHashtags)

	linkCost := 0
	if lim.LinkInText && link != "" {
		linkCost = lim.LinkWeight
		if linkCost == 0 {
			linkCost = utf8.RuneCountInString(link)
		}
		linkCost += utf8.RuneCountInString(blockSep)
	}

	fits := func(text string) bool {
		return lim.MaxChars <= 0 || utf8.RuneCountInString(text)+linkCost <= lim.MaxChars
	}

	for !fits(joinBlocks(title, summary, strings.Join(hashtags, " "))) && len(hashtags) > 0 {
		hashtags = hashtags[:len(hashtags)-1]
	}

	if !fits(joinBlocks(title, summary)) {
		room := lim.MaxChars - linkCost - utf8.RuneCountInString(title) - utf8.RuneCountInString(blockSep)
		if room >= 20 {
			summary = Truncate(summary, room)
		} else {
			summary = ""
			title = Truncate(title, lim.MaxChars-linkCost)
		}
	}

	text := joinBlocks(title, summary, strings.Join(hashtags, " "))
	if lim.LinkInText && link != "" {
		text = joinBlocks(text, link)
	}

	return domain.Payload{
		Text:     text,
		Link:     link,
		Title:    collapse(article.Title),
		Hashtags: hashtags,
	}
}

// Hashtags derives CamelCase tags from the category and tag names, keeping
// the first occurrence of each and at most max entries (max <= 0 keeps all).
func Hashtags(category string, tags []string, max int) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, raw := range append([]string{category}, tags...) {
		tag := hashtag(raw)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, "#"+tag)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func hashtag(raw string) string {
	words := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for _, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(w[size:])
	}
	tag := b.String()
	if strings.IndexFunc(tag, unicode.IsLetter) < 0 {
		return ""
	}
	return tag
}

// Excerpt prefers the explicit excerpt and falls back to the first paragraph.
func Excerpt(article domain.Article) string {
	if strings.TrimSpace(article.Excerpt) != "" {
		return article.Excerpt
	}
	for _, para := range strings.Split(article.Body, "\n\n") {
		if strings.TrimSpace(para) != "" {
			return para
		}
	}
	return ""
}

// Truncate shortens s to at most n runes, preferring a word boundary, and
// marks the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	runes := []rune(s)
	cut := string(runes[:n-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace) + "…"
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinBlocks(blocks ...string) string {
	kept := blocks[:0:0]
	for _, b := range blocks {
		if b != "" {
			kept = append(kept, b)
		}
	}
	return strings.Join(kept, blockSep)
}
