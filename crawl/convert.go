package crawl

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// boilerplate elements dropped before conversion when no main content
// container is present.
var boilerplate = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
	"script": true, "style": true, "noscript": true, "iframe": true,
	"form": true, "button": true,
}

// Converter turns HTML into markdown text.
type Converter struct {
	md *md.Converter
}

func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{md: c}
}

// Convert returns the page title and its main content as markdown. Plain
// text bodies are passed through.
func (c *Converter) Convert(page *Page) (title, text string, err error) {
	if page.ContentType != "" && !strings.Contains(page.ContentType, "html") {
		return "", strings.TrimSpace(string(page.Body)), nil
	}
	doc, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return "", "", err
	}
	title = findTitle(doc)
	root := mainContent(doc)

	var buf strings.Builder
	if err := html.Render(&buf, root); err != nil {
		return "", "", err
	}
	out, err := c.md.ConvertString(buf.String())
	if err != nil {
		return "", "", err
	}
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return title, strings.TrimSpace(out), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// mainContent prefers <main> or <article>; otherwise it strips boilerplate
// from <body>.
func mainContent(doc *html.Node) *html.Node {
	for _, tag := range []string{"main", "article"} {
		if n := findElement(doc, tag); n != nil {
			return n
		}
	}
	var strip func(*html.Node)
	strip = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && boilerplate[c.Data] {
				n.RemoveChild(c)
			} else {
				strip(c)
			}
			c = next
		}
	}
	strip(doc)
	if body := findElement(doc, "body"); body != nil {
		return body
	}
	return doc
}
