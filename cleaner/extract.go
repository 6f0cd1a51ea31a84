package cleaner

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// splitSelector separates an optional trailing "@attr" from a CSS selector.
// "a.next@href" extracts the href attribute instead of the text.
func splitSelector(expr string) (selector, attr string) {
	i := strings.LastIndexByte(expr, '@')
	if i <= 0 || strings.ContainsAny(expr[i+1:], " ]>+~") {
		return expr, ""
	}
	return expr[:i], expr[i+1:]
}

// ValidateSelector reports whether expr is a usable extract selector.
func ValidateSelector(expr string) error {
	sel, _ := splitSelector(expr)
	if strings.TrimSpace(sel) == "" {
		return fmt.Errorf("empty selector")
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return nil
}

// ExtractFields evaluates every named selector against rawHTML and returns
// the trimmed text (or attribute value) of each match, in document order.
// Names with no matches map to an empty slice.
func ExtractFields(rawHTML string, selectors map[string]string) (map[string][]string, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := make(map[string][]string, len(selectors))
	for name, expr := range selectors {
		sel, attr := splitSelector(expr)
		compiled, err := cascadia.Compile(sel)
		if err != nil {
			return nil, fmt.Errorf("extract %q: %w", name, err)
		}
		values := []string{}
		doc.FindMatcher(compiled).Each(func(_ int, s *goquery.Selection) {
			if attr != "" {
				if v, ok := s.Attr(attr); ok {
					values = append(values, strings.TrimSpace(v))
				}
				return
			}
			values = append(values, strings.TrimSpace(s.Text()))
		})
		out[name] = values
	}
	return out, nil
}
