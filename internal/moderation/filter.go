// Package moderation decides whether a comment matches the spam blocklist.
// Every function here is pure over its inputs.
package moderation

import (
	"html"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"ArticleRelay/internal/domain"
)

var (
	strict = bluemonday.StrictPolicy()

	linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
	hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']?([^"'\s>]+)`)
)

// Normalize reduces a comment body to the form keyword rules are matched
// against: markup removed, entities decoded, NFKC, case folded and runs of
// whitespace collapsed to one space.
func Normalize(body string) string {
	text := strict.Sanitize(body)
	text = html.UnescapeString(text)
	text = norm.NFKC.String(text)
	text = cases.Fold().String(text)
	return strings.Join(strings.Fields(text), " ")
}

func normalizeValue(value string) string {
	return strings.Join(strings.Fields(cases.Fold().String(norm.NFKC.String(value))), " ")
}

// Evaluate applies KEYWORD rules to the body. Rules are checked in the order
// given and the first match wins.
func Evaluate(body string, rules []domain.SpamRule) domain.Verdict {
	text := Normalize(body)
	for i := range rules {
		if rules[i].Type != domain.SpamKeyword {
			continue
		}
		if matchKeyword(text, rules[i].Value) {
			return reject(rules[i])
		}
	}
	return domain.Verdict{Allowed: true}
}

// EvaluateComment applies every rule type, using the comment's links,
// author email and author IP alongside its body.
func EvaluateComment(comment domain.Comment, rules []domain.SpamRule) domain.Verdict {
	text := Normalize(comment.Body)
	hosts := LinkHosts(comment.Body)
	email := strings.ToLower(strings.TrimSpace(comment.AuthorEmail))
	ip, ipErr := netip.ParseAddr(strings.TrimSpace(comment.AuthorIP))

	for i := range rules {
		rule := rules[i]
		var hit bool
		switch rule.Type {
		case domain.SpamKeyword:
			hit = matchKeyword(text, rule.Value)
		case domain.SpamDomain:
			hit = matchDomain(hosts, rule.Value)
		case domain.SpamEmail:
			hit = matchEmail(email, rule.Value)
		case domain.SpamIP:
			hit = ipErr == nil && matchIP(ip.Unmap(), rule.Value)
		}
		if hit {
			return reject(rule)
		}
	}
	return domain.Verdict{Allowed: true}
}

func reject(rule domain.SpamRule) domain.Verdict {
	matched := rule
	return domain.Verdict{Allowed: false, MatchedRule: &matched}
}

func matchKeyword(text, keyword string) bool {
	keyword = normalizeValue(keyword)
	return keyword != "" && strings.Contains(text, keyword)
}

func matchDomain(hosts []string, value string) bool {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), ".")
	value = strings.TrimPrefix(value, "www.")
	if value == "" {
		return false
	}
	for _, host := range hosts {
		if host == value || strings.HasSuffix(host, "."+value) {
			return true
		}
	}
	return false
}

func matchEmail(email, value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if email == "" || value == "" {
		return false
	}
	if strings.HasPrefix(value, "@") {
		return strings.HasSuffix(email, value)
	}
	return email == value
}

func matchIP(ip netip.Addr, value string) bool {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		return err == nil && prefix.Contains(ip)
	}
	want, err := netip.ParseAddr(value)
	return err == nil && want.Unmap() == ip
}

// LinkHosts returns the lowercased hosts of every link in the raw body,
// both bare urls and href attributes.
func LinkHosts(body string) []string {
	decoded := html.UnescapeString(body)
	candidates := linkPattern.FindAllString(decoded, -1)
	for _, m := range hrefPattern.FindAllStringSubmatch(decoded, -1) {
		candidates = append(candidates, m[1])
	}

	seen := map[string]struct{}{}
	var hosts []string
	for _, raw := range candidates {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(strings.TrimRight(raw, ".,;:!?)"))
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
		if net.ParseIP(host) == nil {
			host = strings.TrimPrefix(host, "www.")
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}
