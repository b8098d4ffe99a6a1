package page

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxLinkLength guards against pathological hrefs; longer links are
// dropped during extraction.
const MaxLinkLength = 4096

// ExtractLinks parses HTML content fetched from pageURL and returns
// the absolute form of every usable a[href] on the page. Links that
// are not http(s), cannot be absolutised or exceed MaxLinkLength are
// skipped.
func ExtractLinks(pageURL, content string) ([]string, error) {
	base, err := NewLink(pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || len(href) > MaxLinkLength {
			return
		}
		if strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") {
			return
		}
		if u, err := url.Parse(href); err == nil && u.Scheme != "" &&
			!strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
			return
		}
		link, err := NewLink(href, base)
		if err != nil {
			return
		}
		full := link.Full()
		if !strings.HasPrefix(full, "http") {
			return
		}
		links = append(links, full)
	})
	return links, nil
}
