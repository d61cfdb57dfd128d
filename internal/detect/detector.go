// Package detect looks for anti-automation challenges in fetched pages.
package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

type marker struct {
	kind     extraction.SignalKind
	selector string
}

type keyword struct {
	kind extraction.SignalKind
	text string
}

var (
	selectorMarkers = []marker{
		{kind: extraction.SignalCaptcha, selector: `iframe[src*="recaptcha"]`},
		{kind: extraction.SignalCaptcha, selector: ".g-recaptcha"},
		{kind: extraction.SignalCaptcha, selector: "[data-sitekey]"},
		{kind: extraction.SignalCloudflare, selector: ".cf-browser-verification"},
		{kind: extraction.SignalCloudflare, selector: "#challenge-form"},
	}
	textMarkers = []keyword{
		{kind: extraction.SignalCaptcha, text: "captcha"},
		{kind: extraction.SignalBlocked, text: "access denied"},
		{kind: extraction.SignalBlocked, text: "blocked"},
		{kind: extraction.SignalCloudflare, text: "checking your browser"},
	}
)

// Detector inspects documents for challenge markers.
type Detector struct{}

// New returns a Detector.
func New() *Detector {
	return &Detector{}
}

// Inspect returns every positive marker, at most one per kind. html may be empty for
// reader services that only return text.
func (d *Detector) Inspect(html, text, title string) []extraction.Signal {
	var signals []extraction.Signal
	seen := make(map[extraction.SignalKind]bool, 3)
	add := func(kind extraction.SignalKind, m string) {
		if seen[kind] {
			return
		}
		seen[kind] = true
		signals = append(signals, extraction.Signal{Kind: kind, Marker: m})
	}

	if strings.TrimSpace(html) != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			for _, m := range selectorMarkers {
				if doc.Find(m.selector).Length() > 0 {
					add(m.kind, m.selector)
				}
			}
			if text == "" {
				text = doc.Find("body").Text()
			}
			if title == "" {
				title = doc.Find("title").First().Text()
			}
		}
	}

	lowerText := strings.ToLower(text)
	for _, kw := range textMarkers {
		if strings.Contains(lowerText, kw.text) {
			add(kw.kind, kw.text)
		}
	}
	if strings.Contains(title, "403") {
		add(extraction.SignalBlocked, "title:403")
	}
	return signals
}
