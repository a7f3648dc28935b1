package scraper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Extract converts rendered HTML into the requested output format. Errors
// carry the extraction_error taxonomy kind.
func Extract(rawHTML string, format types.OutputFormat, finalURL string) (*types.Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, types.NewTaskError(types.KindExtractionError, "parse html", err)
	}

	result := &types.Result{
		Format:   format,
		FinalURL: finalURL,
		Title:    pageTitle(rawHTML),
	}

	switch format {
	case types.FormatHTML:
		result.Content = rawHTML

	case types.FormatRawText:
		result.Content = plainText(doc)

	case types.FormatMarkdown:
		md, err := renderMarkdown(rawHTML)
		if err != nil {
			return nil, types.NewTaskError(types.KindExtractionError, "render markdown", err)
		}
		result.Content = md

	case types.FormatJSON:
		structured := structuredData(doc, result.Title)
		buf, err := json.Marshal(structured)
		if err != nil {
			return nil, types.NewTaskError(types.KindExtractionError, "marshal structured data", err)
		}
		result.Content = string(buf)
		result.Structured = structured

	default:
		return nil, types.NewTaskError(types.KindExtractionError,
			fmt.Sprintf("unsupported output format %q", format), nil)
	}

	return result, nil
}

// WordCount counts whitespace-separated tokens.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// pageTitle reads <title> via XPath; empty if absent or unparseable.
func pageTitle(rawHTML string) string {
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	node := htmlquery.FindOne(doc, "//title")
	if node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(node))
}

// metaDescription reads the description meta tag via XPath.
func metaDescription(rawHTML string) string {
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	node := htmlquery.FindOne(doc, "//meta[@name='description']/@content")
	if node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(node))
}

// plainText strips scripts and styles and collapses whitespace.
func plainText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template").Remove()

	body := doc.Find("body")
	text := body.Text()
	if body.Length() == 0 {
		text = doc.Text()
	}

	lines := make([]string, 0, 64)
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// structuredData extracts a stable JSON shape: title, description, headings,
// links, and the plain text.
func structuredData(doc *goquery.Document, title string) map[string]any {
	headings := make([]string, 0, 16)
	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			headings = append(headings, t)
		}
	})

	links := make([]map[string]string, 0, 32)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		links = append(links, map[string]string{
			"href": href,
			"text": strings.TrimSpace(s.Text()),
		})
	})

	htmlStr, _ := doc.Html()

	return map[string]any{
		"title":       title,
		"description": metaDescription(htmlStr),
		"headings":    headings,
		"links":       links,
		"text":        plainText(doc),
	}
}

// renderMarkdown walks the node tree and emits lightweight markdown.
func renderMarkdown(rawHTML string) (string, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	walkMarkdown(root, &b)

	// Collapse runs of blank lines left by block elements.
	out := b.String()
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out), nil
}

func walkMarkdown(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			b.WriteString(text)
			b.WriteByte(' ')
		}
		return
	}
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return
	}

	switch n.Data {
	case "script", "style", "noscript", "template", "head":
		return
	case "h1", "h2", "h3", "h4", "h5", "h6":
		b.WriteString("\n\n")
		b.WriteString(strings.Repeat("#", int(n.Data[1]-'0')))
		b.WriteByte(' ')
		walkChildren(n, b)
		b.WriteString("\n\n")
		return
	case "p", "div", "section", "article":
		walkChildren(n, b)
		b.WriteString("\n\n")
		return
	case "br":
		b.WriteByte('\n')
		return
	case "li":
		b.WriteString("\n- ")
		walkChildren(n, b)
		return
	case "ul", "ol":
		walkChildren(n, b)
		b.WriteString("\n\n")
		return
	case "blockquote":
		b.WriteString("\n> ")
		walkChildren(n, b)
		b.WriteString("\n\n")
		return
	case "pre", "code":
		b.WriteString("`")
		walkChildren(n, b)
		b.WriteString("` ")
		return
	case "a":
		href := attrValue(n, "href")
		if href != "" && !strings.HasPrefix(href, "javascript:") {
			b.WriteByte('[')
			var inner strings.Builder
			walkChildren(n, &inner)
			b.WriteString(strings.TrimSpace(inner.String()))
			b.WriteString("](")
			b.WriteString(href)
			b.WriteString(") ")
			return
		}
	case "strong", "b":
		b.WriteString("**")
		var inner strings.Builder
		walkChildren(n, &inner)
		b.WriteString(strings.TrimSpace(inner.String()))
		b.WriteString("** ")
		return
	case "em", "i":
		b.WriteByte('*')
		var inner strings.Builder
		walkChildren(n, &inner)
		b.WriteString(strings.TrimSpace(inner.String()))
		b.WriteString("* ")
		return
	case "img":
		alt := attrValue(n, "alt")
		src := attrValue(n, "src")
		if src != "" {
			fmt.Fprintf(b, "![%s](%s) ", alt, src)
		}
		return
	}

	walkChildren(n, b)
}

func walkChildren(n *html.Node, b *strings.Builder) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkMarkdown(c, b)
	}
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
