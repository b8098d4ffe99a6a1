package page

import (
	"strings"
	"testing"
)

const testHTML = `<!DOCTYPE html>
<html>
<body>
	<a href="/about">About</a>
	<a href="contact.html">Contact</a>
	<a href="http://other.net/page">Elsewhere</a>
	<a href="#section">Anchor</a>
	<a href="javascript:void(0)">JS</a>
	<a href="mailto:someone@example.com">Mail</a>
	<a>No href</a>
</body>
</html>`

func TestExtractLinks(t *testing.T) {
	links, err := ExtractLinks("http://example.com/index", testHTML)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	want := map[string]bool{
		"http://example.com/about":        true,
		"http://example.com/contact.html": true,
		"http://other.net/page":           true,
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %d: %v", len(want), len(links), links)
	}
	for _, link := range links {
		if !want[link] {
			t.Errorf("unexpected link %q", link)
		}
	}
}

func TestExtractLinksEmptyBody(t *testing.T) {
	links, err := ExtractLinks("http://example.com/", "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("expected no links, got %v", links)
	}
}

func TestExtractLinksOversizeHrefDropped(t *testing.T) {
	huge := "/" + strings.Repeat("a", MaxLinkLength)
	html := `<a href="` + huge + `">big</a><a href="/ok">ok</a>`
	links, err := ExtractLinks("http://example.com/", html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(links) != 1 || links[0] != "http://example.com/ok" {
		t.Errorf("expected only the short link, got %v", links)
	}
}

func TestExtractLinksBadPageURL(t *testing.T) {
	if _, err := ExtractLinks("not-a-url", "<a href='/x'>x</a>"); err == nil {
		t.Error("expected error for relative page URL")
	}
}
