package content

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title></head>
<body>
<nav><a href="/">home</a> | <a href="/about">about</a></nav>
<article>
<h1>Version 2.0 Released</h1>
<p>The scheduler was rewritten for fairness across concurrent sessions, and
tab ownership is now enforced centrally. Upgrading requires no configuration
changes; existing clients keep working unmodified.</p>
<p>See the <a href="/changelog">changelog</a> for the complete list of fixes
in this release, including the promotion race and the queue starvation bug
reported against the previous series.</p>
</article>
<footer>copyright 2026</footer>
</body>
</html>`

func TestExtractMarkdownContainsHeading(t *testing.T) {
	a := Extract(samplePage, "https://example.com/notes")

	md, err := a.Markdown()
	if err != nil {
		t.Fatalf("markdown conversion: %v", err)
	}
	if !strings.Contains(md, "Version 2.0 Released") {
		t.Fatalf("markdown missing article heading:\n%s", md)
	}
	if !strings.Contains(md, "fairness across concurrent sessions") {
		t.Fatalf("markdown missing body text:\n%s", md)
	}
}

func TestExtractTextHasNoTags(t *testing.T) {
	a := Extract(samplePage, "https://example.com/notes")

	text := a.Text()
	if strings.Contains(text, "<p>") || strings.Contains(text, "<article>") {
		t.Fatalf("plain text still contains markup:\n%s", text)
	}
	if !strings.Contains(text, "tab ownership is now enforced centrally") {
		t.Fatalf("plain text missing body:\n%s", text)
	}
}

func TestRenderFormats(t *testing.T) {
	a := Extract(samplePage, "https://example.com/notes")

	html, err := a.Render(FormatHTML)
	if err != nil {
		t.Fatalf("render html: %v", err)
	}
	if !strings.Contains(html, "<") {
		t.Fatalf("html render lost markup: %s", html)
	}

	md, err := a.Render("")
	if err != nil {
		t.Fatalf("render default: %v", err)
	}
	if !strings.Contains(md, "URL: https://example.com/notes") {
		t.Fatalf("default render missing header:\n%s", md)
	}

	if _, err := a.Render("pdf"); err == nil {
		t.Fatal("unknown format should error")
	}
}

func TestExtractRawFallbackStillRenders(t *testing.T) {
	raw := "<div>just a fragment with no article structure</div>"
	a := Extract(raw, "https://example.com/x")
	text := a.Text()
	if !strings.Contains(text, "just a fragment") {
		t.Fatalf("fallback text = %q, want fragment body", text)
	}
}
