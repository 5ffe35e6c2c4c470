package convert

import (
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToMarkdown converts an HTML document to markdown. Relative links are
// resolved against pageURL when it is set. The returned title comes from
// <title>, then og:title, then the first <h1>.
func HTMLToMarkdown(doc, pageURL string) (markdown, title string, err error) {
	var opts []converter.ConvertOptionFunc
	if u, perr := url.Parse(pageURL); perr == nil && u.Host != "" {
		opts = append(opts, converter.WithDomain(u.Scheme+"://"+u.Host))
	}

	markdown, err = htmltomarkdown.ConvertString(doc, opts...)
	if err != nil {
		return "", "", fmt.Errorf("html to markdown: %w", err)
	}
	return strings.TrimSpace(markdown), htmlTitle(doc), nil
}

func htmlTitle(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}

	var title, ogTitle, h1 string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = textContent(n)
				}
			case atom.Meta:
				if attr(n, "property") == "og:title" && ogTitle == "" {
					ogTitle = strings.TrimSpace(attr(n, "content"))
				}
			case atom.H1:
				if h1 == "" {
					h1 = textContent(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	for _, t := range []string{title, ogTitle, h1} {
		if t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
