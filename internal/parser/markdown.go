// Package parser provides Markdown normalization, parsing and chunking.
package parser

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	gmparser "github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// MarkdownDoc represents a parsed Markdown document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from frontmatter or the first h1
	Title string

	// Main content (after frontmatter)
	Content string

	// Headings in document order
	Outline []Heading

	Stats Stats
}

// Heading is one entry of a document outline.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	ID    string `json:"id,omitempty"`
}

// Stats counts structural elements found by the markdown parser.
type Stats struct {
	Headings   int `json:"headings"`
	CodeBlocks int `json:"code_blocks"`
	Tables     int `json:"tables"`
	Links      int `json:"links"`
	Images     int `json:"images"`
}

var (
	md = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(gmparser.WithAutoHeadingID()),
	)

	h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// ParseMarkdown parses a Markdown document into structured form.
func ParseMarkdown(content string) (*MarkdownDoc, error) {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx > 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil {
				// Ignore YAML errors, just use empty frontmatter
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	doc.Outline, doc.Stats = outline([]byte(remaining))

	return doc, nil
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}

	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}

	return ""
}

func outline(source []byte) ([]Heading, Stats) {
	var headings []Heading
	var stats Stats

	root := md.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			stats.Headings++
			h := Heading{Level: node.Level, Text: plainText(node, source)}
			if id, ok := node.AttributeString("id"); ok {
				if b, ok := id.([]byte); ok {
					h.ID = string(b)
				}
			}
			headings = append(headings, h)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			stats.CodeBlocks++
		case *extast.Table:
			stats.Tables++
		case *ast.Link, *ast.AutoLink:
			stats.Links++
		case *ast.Image:
			stats.Images++
		}
		return ast.WalkContinue, nil
	})
	return headings, stats
}

func plainText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// Normalize canonicalizes converted markdown before it is stored and
// chunked: LF line endings, no trailing whitespace, at most one blank line
// between blocks outside fenced code.
func Normalize(markdown string) string {
	markdown = strings.ReplaceAll(markdown, "\r\n", "\n")
	markdown = strings.ReplaceAll(markdown, "\r", "\n")
	markdown = strings.TrimPrefix(markdown, "\uFEFF")

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	var fenceChar byte
	var fenceLen int
	inFence := false
	blanks := 0

	for _, l := range lines {
		if inFence {
			out = append(out, l)
			if isFenceClose(l, fenceChar, fenceLen) {
				inFence = false
			}
			continue
		}
		l = strings.TrimRight(l, " \t")
		if ch, n, ok := fenceOpen(l); ok {
			inFence, fenceChar, fenceLen = true, ch, n
		}
		if l == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, l)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// MetaInfo renders the parsed document as the meta_info fragment stored on
// a content item.
func (d *MarkdownDoc) MetaInfo() map[string]any {
	meta := map[string]any{
		"outline": d.Outline,
		"stats":   d.Stats,
	}
	if len(d.Frontmatter) > 0 {
		meta["frontmatter"] = d.Frontmatter
	}
	if tags := d.GetFrontmatterStringSlice("tags"); len(tags) > 0 {
		meta["tags"] = tags
	}
	return meta
}

// GetFrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) GetFrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

// GetFrontmatterStringSlice extracts a string slice from frontmatter.
func (d *MarkdownDoc) GetFrontmatterStringSlice(key string) []string {
	switch v := d.Frontmatter[key].(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return v
	}
	return nil
}
