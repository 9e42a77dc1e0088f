package scrape

import (
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/linkmind/linkmind/store"
)

// strippedTags never carry article text and drag scripts, chrome and tracking
// pixels into the markdown when left in place.
const strippedTags = "script, style, noscript, iframe, nav, header, footer, aside, form, svg, button"

// contentSelectors are tried in order; the first match becomes the markdown
// source. body is the catch-all for pages without semantic structure.
var contentSelectors = []string{"article", "main", "[role=main]", "#content", "body"}

// Extract parses a rendered page into the fields the pipeline persists. The
// page's OpenGraph metadata is read with a streaming tokenizer that stops at
// the body; the article markdown comes from a pruned DOM pass.
func Extract(page, pageURL string) (store.ScrapeData, error) {
	meta := parseMeta(page)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return store.ScrapeData{}, fmt.Errorf("parse page: %w", err)
	}
	doc.Find(strippedTags).Remove()

	contentHTML, err := goquery.OuterHtml(mainContent(doc))
	if err != nil {
		return store.ScrapeData{}, fmt.Errorf("serialize content: %w", err)
	}

	var opts []converter.ConvertOptionFunc
	if origin := pageOrigin(pageURL); origin != "" {
		opts = append(opts, converter.WithDomain(origin))
	}
	markdown, err := htmltomarkdown.ConvertString(contentHTML, opts...)
	if err != nil {
		return store.ScrapeData{}, fmt.Errorf("convert to markdown: %w", err)
	}

	return store.ScrapeData{
		Title:         meta.title,
		Markdown:      strings.TrimSpace(markdown),
		OGTitle:       meta.og["og:title"],
		OGDescription: meta.og["og:description"],
		OGImage:       meta.og["og:image"],
		OGSiteName:    meta.og["og:site_name"],
		OGType:        meta.og["og:type"],
	}, nil
}

type pageMeta struct {
	title string
	og    map[string]string
}

// parseMeta scans the head for the title and og: meta tags. The first value
// wins when a property repeats, matching how consumers read the tags.
func parseMeta(page string) pageMeta {
	meta := pageMeta{og: make(map[string]string)}
	z := html.NewTokenizer(strings.NewReader(page))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return meta
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = true
			case "meta":
				var prop, content string
				for _, a := range tok.Attr {
					switch a.Key {
					case "property", "name":
						prop = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if strings.HasPrefix(prop, "og:") && content != "" {
					if _, ok := meta.og[prop]; !ok {
						meta.og[prop] = content
					}
				}
			case "body":
				// Meta lives in the head; no need to scan the page body.
				return meta
			}
		case html.TextToken:
			if inTitle && meta.title == "" {
				meta.title = strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = false
			}
		}
	}
}

func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

func pageOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
