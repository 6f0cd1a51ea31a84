// Package cleaner turns rendered pages into a job's stored content format and
// evaluates extract selectors.
package cleaner

import (
	"fmt"
	"log/slog"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/use-agent/harvester/models"
)

// minContentLength is the shortest readability text accepted as the main
// content; anything shorter falls back to the whole document.
const minContentLength = 50

// Cleaner converts page HTML. The converter is built once and is safe for
// concurrent use.
type Cleaner struct {
	md *converter.Converter
}

// New creates a Cleaner.
func New() *Cleaner {
	return &Cleaner{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
	}
}

// Format renders rawHTML in the requested output format:
//
//   - html: unchanged
//   - markdown: main content converted to Markdown, links made absolute
//   - text: main content as plain text
func (c *Cleaner) Format(rawHTML, sourceURL, format string) (string, error) {
	switch format {
	case models.FormatHTML, "":
		return rawHTML, nil
	case models.FormatMarkdown:
		article := mainContent(rawHTML, sourceURL)
		md, err := c.md.ConvertString(article.Content, converter.WithDomain(sourceURL))
		if err != nil {
			return "", fmt.Errorf("markdown conversion: %w", err)
		}
		return md, nil
	case models.FormatText:
		article := mainContent(rawHTML, sourceURL)
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return text, nil
		}
		return plainText(rawHTML), nil
	}
	return "", fmt.Errorf("unknown format %q", format)
}

// mainContent runs readability. It never fails: when extraction errors or
// finds too little, the whole document is returned as the article.
func mainContent(rawHTML, sourceURL string) readability.Article {
	fallback := readability.Article{Content: rawHTML, TextContent: plainText(rawHTML)}

	u, err := nurl.Parse(sourceURL)
	if err != nil {
		slog.Debug("readability: invalid source URL, using whole document", "url", sourceURL, "error", err)
		return fallback
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), u)
	if err != nil {
		slog.Debug("readability: extraction failed, using whole document", "url", sourceURL, "error", err)
		return fallback
	}
	if len(strings.TrimSpace(article.TextContent)) < minContentLength {
		return fallback
	}
	return article
}

// plainText returns the visible text of an HTML document.
func plainText(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
