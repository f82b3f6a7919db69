// Package content turns raw page HTML from the extension into readable text.
package content

import (
	"fmt"
	"net/url"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

// Formats accepted by Render.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatText     = "text"
)

// Article is the extracted readable portion of a page. HTML holds the
// article body, or the raw input when readability could not find one.
type Article struct {
	Title    string
	Byline   string
	SiteName string
	URL      string
	HTML     string

	text string
}

// Extract runs a readability pass over page HTML. Extraction failure is not
// an error: the caller still gets the raw body to render.
func Extract(html, pageURL string) *Article {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = &url.URL{}
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		L_debug("content: readability failed, keeping raw body", "url", pageURL, "error", err)
		return &Article{URL: pageURL, HTML: html}
	}

	L_debug("content: extracted article", "url", pageURL, "title", article.Title, "textLength", len(article.TextContent))
	return &Article{
		Title:    article.Title,
		Byline:   article.Byline,
		SiteName: article.SiteName,
		URL:      pageURL,
		HTML:     article.Content,
		text:     strings.TrimSpace(article.TextContent),
	}
}

// Markdown converts the article body to Markdown.
func (a *Article) Markdown() (string, error) {
	md, err := htmltomd.ConvertString(a.HTML)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// Text returns the article as plain text. When readability produced nothing
// (raw fallback), the Markdown conversion stands in.
func (a *Article) Text() string {
	if a.text != "" {
		return a.text
	}
	if md, err := a.Markdown(); err == nil {
		return md
	}
	return a.HTML
}

// Render produces the article in the requested format, with a header naming
// title and URL for the text-like formats.
func (a *Article) Render(format string) (string, error) {
	switch format {
	case FormatHTML:
		return a.HTML, nil
	case FormatText:
		return a.withHeader(a.Text()), nil
	case FormatMarkdown, "":
		md, err := a.Markdown()
		if err != nil {
			return "", err
		}
		return a.withHeader(md), nil
	default:
		return "", fmt.Errorf("unknown content format %q", format)
	}
}

func (a *Article) withHeader(body string) string {
	var b strings.Builder
	if a.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", a.Title)
	}
	if a.Byline != "" {
		fmt.Fprintf(&b, "Author: %s\n", a.Byline)
	}
	if a.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", a.URL)
	}
	if b.Len() > 0 {
		b.WriteString("\n---\n\n")
	}
	b.WriteString(body)
	return b.String()
}
