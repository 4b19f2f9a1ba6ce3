// Package digest reduces raw HTML to the compact text block sent to the classifier.
package digest

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	defaultMaxHTMLBytes = 300_000
	defaultMaxTextChars = 4000
	maxH1               = 4
	maxH2               = 8
)

// noise is removed before the HTML is size-capped so it cannot consume the budget.
const noise = "script, style, noscript, svg, template, iframe, object, embed, link[rel='stylesheet'], link[rel='preload']"

// Builder produces digests with fixed size limits.
type Builder struct {
	maxHTMLBytes int
	maxTextChars int
}

// NewBuilder returns a Builder; non-positive limits fall back to defaults.
func NewBuilder(maxHTMLBytes, maxTextChars int) *Builder {
	if maxHTMLBytes <= 0 {
		maxHTMLBytes = defaultMaxHTMLBytes
	}
	if maxTextChars <= 0 {
		maxTextChars = defaultMaxTextChars
	}
	return &Builder{maxHTMLBytes: maxHTMLBytes, maxTextChars: maxTextChars}
}

// Summary is the structured content of a digest.
type Summary struct {
	URL         string
	Title       string
	Description string
	H1          []string
	H2          []string
	Text        string
}

// String renders the fixed-format digest block.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", s.URL)
	fmt.Fprintf(&b, "Title: %s\n", s.Title)
	fmt.Fprintf(&b, "Description: %s\n", s.Description)
	fmt.Fprintf(&b, "H1: %s\n", strings.Join(s.H1, " | "))
	fmt.Fprintf(&b, "H2: %s\n", strings.Join(s.H2, " | "))
	fmt.Fprintf(&b, "Text: %s", s.Text)
	return b.String()
}

// Build returns the digest for a page. It is deterministic for a given input.
func (b *Builder) Build(pageURL string, raw []byte) (string, error) {
	s, err := b.Summarize(pageURL, raw)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}

// Summarize strips noise, caps the cleaned HTML, and extracts the digest fields.
func (b *Builder) Summarize(pageURL string, raw []byte) (Summary, error) {
	cleaned, err := strip(raw)
	if err != nil {
		return Summary{}, err
	}
	capped := truncateUTF8(cleaned, b.maxHTMLBytes)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(capped))
	if err != nil {
		return Summary{}, fmt.Errorf("parse capped html: %w", err)
	}

	s := Summary{
		URL:         pageURL,
		Title:       collapse(doc.Find("title").First().Text()),
		Description: description(doc),
		H1:          headings(doc, "h1", maxH1),
		H2:          headings(doc, "h2", maxH2),
	}
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	s.Text = truncateRunes(collapse(visibleText(root)), b.maxTextChars)
	return s, nil
}

func strip(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noise).Remove()
	doc.Find("[style]").RemoveAttr("style")
	for _, n := range doc.Nodes {
		removeComments(n)
	}
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

func description(doc *goquery.Document) string {
	var desc, og string
	doc.Find("meta").EachWithBreak(func(_ int, m *goquery.Selection) bool {
		content, _ := m.Attr("content")
		name, _ := m.Attr("name")
		prop, _ := m.Attr("property")
		switch {
		case strings.EqualFold(name, "description"):
			desc = content
			return false
		case og == "" && strings.EqualFold(prop, "og:description"):
			og = content
		}
		return true
	})
	if desc == "" {
		desc = og
	}
	return collapse(desc)
}

func headings(doc *goquery.Document, tag string, limit int) []string {
	out := make([]string, 0, limit)
	doc.Find(tag).EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if text := collapse(visibleText(h)); text != "" {
			out = append(out, text)
		}
		return len(out) < limit
	})
	return out
}

// visibleText joins text nodes with spaces so adjacent blocks do not run together.
func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "head" || n.Data == "title") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
