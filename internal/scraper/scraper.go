// Package scraper turns a rendered page snapshot into cleaned text and
// structural metadata.
package scraper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// removalSelectors drop navigation chrome, scripts, and ad furniture
// before text extraction.
var removalSelectors = []string{
	"script", "style", "noscript", "iframe",
	"nav", "footer", "header", "aside",
	"[class*='advertisement']", "[class*='ads']", "[class*='sidebar']",
	"[class*='cookie-banner']", "[class*='popup']",
	"[role='banner']", "[role='navigation']", "[role='contentinfo']",
}

// mainCandidates select the content region, most specific first.
var mainCandidates = []string{"main", "article", "[role='main']", ".content", "#content", "body"}

// Scraper extracts content from page snapshots. It is stateless and safe
// for concurrent use.
type Scraper struct{}

// New returns a Scraper.
func New() *Scraper {
	return &Scraper{}
}

// Scrape derives the scraped-content record from a snapshot. A snapshot
// that cannot be parsed yields a FAILED record; partial extraction
// failures yield PARTIAL with the fields that did succeed.
func (s *Scraper) Scrape(snap *types.PageSnapshot, task types.URLTask) *types.ScrapedContent {
	rec := &types.ScrapedContent{
		URL:         snap.URL,
		CrawledAt:   snap.FetchedAt,
		ScrapedAt:   time.Now(),
		FetchMillis: snap.FetchDuration.Milliseconds(),
		Depth:       task.Depth,
		ParentURL:   task.ParentURL,
		StatusCode:  snap.StatusCode,
		ContentType: snap.ContentType,
		Language:    "en",
		Status:      types.StatusSuccess,
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		rec.Status = types.StatusFailed
		rec.ErrorMsg = fmt.Sprintf("parse html: %v", err)
		rec.Headings = []string{}
		rec.Links = []string{}
		return rec
	}

	// Links come from the original DOM, before chrome removal.
	rec.Links = extractLinks(doc)

	cleaned := goquery.CloneDocument(doc)
	for _, sel := range removalSelectors {
		cleaned.Find(sel).Remove()
	}

	rec.Title = normalizeWhitespace(cleaned.Find("title").First().Text())

	rec.Headings = []string{}
	cleaned.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, h *goquery.Selection) {
		if text := normalizeWhitespace(h.Text()); text != "" {
			rec.Headings = append(rec.Headings, text)
		}
	})

	var partialErr error
	main := selectMainRegion(cleaned)
	if main != nil {
		rec.Text = extractText(main)
		if inner, err := main.Html(); err == nil {
			rec.CleanedHTML = strings.TrimSpace(inner)
		} else {
			partialErr = fmt.Errorf("serialise main region: %w", err)
		}
	}

	rec.WordCount = len(strings.Fields(rec.Text))
	rec.Language = DetectLanguage(rec.Text)
	rec.ContentHash = contentHash(rec.Text)

	if partialErr != nil {
		rec.Status = types.StatusPartial
		rec.ErrorMsg = partialErr.Error()
	}
	return rec
}

// Failed builds the record emitted when the fetch itself failed.
func (s *Scraper) Failed(rawURL string, task types.URLTask, fetchErr error) *types.ScrapedContent {
	rec := &types.ScrapedContent{
		URL:       rawURL,
		Headings:  []string{},
		Links:     []string{},
		ScrapedAt: time.Now(),
		Depth:     task.Depth,
		ParentURL: task.ParentURL,
		Language:  "en",
		Status:    types.StatusFailed,
	}
	if fetchErr != nil {
		rec.ErrorMsg = fetchErr.Error()
	}
	return rec
}

func extractLinks(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if !strings.HasPrefix(href, "http") {
			return
		}
		if _, exists := seen[href]; exists {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links
}

func selectMainRegion(doc *goquery.Document) *goquery.Selection {
	for _, candidate := range mainCandidates {
		if sel := doc.Find(candidate).First(); sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

var blockLevelTags = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"ul": {}, "ol": {}, "li": {}, "table": {}, "tr": {},
	"blockquote": {}, "pre": {}, "figure": {}, "figcaption": {},
}

// extractText walks the selection's nodes, inserting line breaks at block
// boundaries, then collapses runs of whitespace and blank lines.
func extractText(sel *goquery.Selection) string {
	acc := &textAccumulator{}
	for _, node := range sel.Nodes {
		walkText(node, acc)
	}
	return collapseBlankLines(acc.String())
}

type textAccumulator struct {
	builder  strings.Builder
	lastRune rune
	hasLast  bool
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
	}
}

func (t *textAccumulator) ensureSpace() {
	if !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(" ")
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastRune == '\n' {
		return
	}
	t.append("\n")
}

func walkText(node *html.Node, acc *textAccumulator) {
	switch node.Type {
	case html.TextNode:
		text := normalizeWhitespace(node.Data)
		if text == "" {
			return
		}
		acc.ensureSpace()
		acc.append(text)
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.ensureNewline()
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walkText(child, acc)
		}
		if block {
			acc.ensureNewline()
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, line)
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// contentHash is the first 16 hex characters of the SHA-256 of the body
// text; an empty body hashes to the empty string.
func contentHash(text string) string {
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
