// Package content converts fetched HTML into RawContent.
package content

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Options controls what is pulled out of a document.
type Options struct {
	BaseURL       string
	Selector      string
	ExtractImages bool
	SkipMarkdown  bool
}

// FromTask derives options from a validated task.
func FromTask(task extraction.Task, finalURL string) Options {
	base := finalURL
	if base == "" {
		base = task.URL
	}
	return Options{BaseURL: base, Selector: task.Selector, ExtractImages: task.ExtractImages}
}

// Extract parses html and fills title, text, links, images and markdown.
func Extract(html string, opts Options) (*extraction.RawContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(opts.BaseURL)

	out := &extraction.RawContent{
		HTML:      html,
		Title:     title(doc),
		FinalURL:  opts.BaseURL,
		FetchedAt: time.Now().UTC(),
	}

	doc.Find("script, style, noscript, template").Remove()
	main := selectMain(doc, opts.Selector)
	out.Text = normalizeSpace(main.Text())
	out.Links = links(doc, base)
	if opts.ExtractImages {
		out.Images = images(main, base)
	}
	if !opts.SkipMarkdown {
		if fragment, err := goquery.OuterHtml(main); err == nil {
			converter := md.NewConverter(hostOf(base), true, nil)
			if markdown, err := converter.ConvertString(fragment); err == nil {
				out.Markdown = strings.TrimSpace(markdown)
			}
		}
	}
	return out, nil
}

// selectMain tries each comma-separated selector in order and returns the first
// match with text, falling back to body.
func selectMain(doc *goquery.Document, selector string) *goquery.Selection {
	if strings.TrimSpace(selector) == "" {
		selector = extraction.DefaultSelector
	}
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sel := doc.Find(part).First()
		if sel.Length() > 0 && strings.TrimSpace(sel.Text()) != "" {
			return sel
		}
	}
	return doc.Find("body").First()
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := resolve(base, href); ok {
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				out = append(out, abs)
			}
		}
	})
	return out
}

func images(root *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		if abs, ok := resolve(base, raw); ok {
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				out = append(out, abs)
			}
		}
	}
	root.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, candidate := range strings.Split(srcset, ",") {
				if fields := strings.Fields(candidate); len(fields) > 0 {
					add(fields[0])
				}
			}
		}
	})
	return out
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.Fragment = ""
	return ref.String(), true
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
