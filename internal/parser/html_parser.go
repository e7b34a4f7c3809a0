// Package parser extracts the title, metadata and readable text of HTML documents.
package parser

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLParser extracts readable content from HTML
type HTMLParser struct {
	baseURL *url.URL
}

// ParseResult contains the parsed HTML data
type ParseResult struct {
	Title        string
	MetaDesc     string
	CanonicalURL string
	// Text is the readable body text with paragraphs separated by blank lines
	Text        string
	ContentHash string
}

// skipped elements never contribute text
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Head:     true,
}

// block elements end the current paragraph
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Pre: true, atom.Blockquote: true, atom.Table: true, atom.Tr: true, atom.Br: true,
	atom.Figure: true, atom.Figcaption: true, atom.Hr: true,
}

// NewHTMLParser creates a parser resolving relative URLs against baseURL
func NewHTMLParser(baseURL string) (*HTMLParser, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &HTMLParser{baseURL: parsedURL}, nil
}

// Parse extracts title, metadata and readable text. Text comes from the first
// <article> or <main> element when present, otherwise from <body>.
func (p *HTMLParser) Parse(htmlContent []byte) (*ParseResult, error) {
	doc, err := html.Parse(bytes.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &ParseResult{}
	var ogTitle, h1 string
	p.collectMeta(doc, result, &ogTitle, &h1)

	if result.Title == "" {
		result.Title = ogTitle
	}
	if result.Title == "" {
		result.Title = h1
	}

	root := findFirst(doc, atom.Article)
	if root == nil {
		root = findFirst(doc, atom.Main)
	}
	if root == nil {
		root = findFirst(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}

	w := &textWriter{}
	w.walk(root)
	result.Text = w.String()

	hash := sha256.Sum256([]byte(result.Text))
	result.ContentHash = fmt.Sprintf("%x", hash)

	return result, nil
}

// collectMeta walks the whole tree for title, meta tags and the first heading
func (p *HTMLParser) collectMeta(n *html.Node, result *ParseResult, ogTitle, h1 *string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if result.Title == "" {
				result.Title = collapseSpace(innerText(n))
			}
		case atom.Meta:
			name := strings.ToLower(attr(n, "name"))
			property := strings.ToLower(attr(n, "property"))
			content := strings.TrimSpace(attr(n, "content"))
			switch {
			case name == "description" && result.MetaDesc == "":
				result.MetaDesc = content
			case property == "og:title" && *ogTitle == "":
				*ogTitle = content
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "canonical") {
				if href := attr(n, "href"); href != "" {
					if abs, err := p.resolveURL(href); err == nil {
						result.CanonicalURL = abs
					}
				}
			}
		case atom.H1:
			if *h1 == "" {
				*h1 = collapseSpace(innerText(n))
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.collectMeta(c, result, ogTitle, h1)
	}
}

// resolveURL converts relative URLs to absolute URLs
func (p *HTMLParser) resolveURL(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return p.baseURL.ResolveReference(u).String(), nil
}

// textWriter accumulates paragraphs while walking the tree
type textWriter struct {
	paragraphs []string
	current    strings.Builder
	preDepth   int
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.current.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
	case html.CommentNode:
		return
	}

	isBlock := n.Type == html.ElementNode && block[n.DataAtom]
	if isBlock {
		w.flush()
	}
	if n.DataAtom == atom.Pre {
		w.preDepth++
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if n.DataAtom == atom.Pre {
		w.preDepth--
		w.flushRaw()
		return
	}
	if isBlock {
		w.flush()
	}
}

func (w *textWriter) flush() {
	if w.preDepth > 0 {
		return
	}
	if text := collapseSpace(w.current.String()); text != "" {
		w.paragraphs = append(w.paragraphs, text)
	}
	w.current.Reset()
}

func (w *textWriter) flushRaw() {
	if text := strings.Trim(w.current.String(), "\n"); strings.TrimSpace(text) != "" {
		w.paragraphs = append(w.paragraphs, text)
	}
	w.current.Reset()
}

func (w *textWriter) String() string {
	w.flush()
	return strings.Join(w.paragraphs, "\n\n")
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func innerText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(innerText(c))
		b.WriteString(" ")
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
