package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const maxZipEntryBytes = 64 << 20

var slideNameRegex = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return zr, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrCorruptDocument, name, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptDocument, name, err)
		}
		if len(data) > maxZipEntryBytes {
			return nil, fmt.Errorf("%w: %s", ErrTooLarge, name)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrCorruptDocument, name)
}

// coreTitle reads dc:title from docProps/core.xml. Missing parts are not an error.
func coreTitle(zr *zip.Reader) string {
	data, err := readZipFile(zr, "docProps/core.xml")
	if err != nil {
		return ""
	}
	var props struct {
		Title string `xml:"title"`
	}
	if err := xml.Unmarshal(data, &props); err != nil {
		return ""
	}
	return strings.TrimSpace(props.Title)
}

func docxToMarkdown(data []byte) (*Output, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	body, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, err
	}

	var (
		b          strings.Builder
		para       strings.Builder
		cell       strings.Builder
		style      string
		listItem   bool
		tableDepth int
		row        []string
		rows       [][]string
		title      string
		paragraphs int
		tables     int
	)

	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document.xml: %v", ErrCorruptDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					rows = nil
				}
			case "tr":
				if tableDepth == 1 {
					row = nil
				}
			case "tc":
				if tableDepth == 1 {
					cell.Reset()
				}
			case "p":
				para.Reset()
				style = ""
				listItem = false
			case "pStyle":
				style = xmlAttr(t, "val")
			case "numPr":
				listItem = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return nil, fmt.Errorf("%w: document.xml: %v", ErrCorruptDocument, err)
				}
				para.WriteString(s)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				text := strings.TrimSpace(para.String())
				if text == "" {
					continue
				}
				if tableDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					cell.WriteString(text)
					continue
				}
				level := headingLevel(style)
				if level == 1 && title == "" {
					title = text
				}
				writeBlock(&b, docxBlock(text, level, listItem))
				paragraphs++
			case "tc":
				if tableDepth == 1 {
					row = append(row, cell.String())
				}
			case "tr":
				if tableDepth == 1 {
					rows = append(rows, row)
				}
			case "tbl":
				tableDepth--
				if tableDepth == 0 && len(rows) > 0 {
					writeBlock(&b, markdownTable(rows))
					tables++
				}
			}
		}
	}

	md := strings.TrimSpace(b.String())
	if md == "" {
		return nil, ErrNoText
	}
	if t := coreTitle(zr); t != "" {
		title = t
	}
	return &Output{
		Markdown: md,
		Title:    title,
		Metadata: map[string]any{
			"format":     string(FormatDOCX),
			"paragraphs": paragraphs,
			"tables":     tables,
		},
	}, nil
}

// headingLevel maps Word paragraph styles to markdown heading levels.
func headingLevel(style string) int {
	s := strings.ToLower(style)
	if s == "title" {
		return 1
	}
	if rest, ok := strings.CutPrefix(s, "heading"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 && n <= 6 {
			return n
		}
	}
	return 0
}

func docxBlock(text string, level int, listItem bool) string {
	switch {
	case level > 0:
		return strings.Repeat("#", level) + " " + strings.ReplaceAll(text, "\n", " ")
	case listItem:
		return "- " + strings.ReplaceAll(text, "\n", " ")
	default:
		return text
	}
}

func pptxToMarkdown(data []byte) (*Output, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}

	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideNameRegex.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, name: f.Name})
		}
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("%w: no slides", ErrCorruptDocument)
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var b strings.Builder
	var title string
	for _, s := range slides {
		raw, err := readZipFile(zr, s.name)
		if err != nil {
			return nil, err
		}
		paras, err := slideParagraphs(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, s.name, err)
		}
		if len(paras) == 0 {
			continue
		}
		if title == "" {
			title = paras[0]
		}
		writeBlock(&b, fmt.Sprintf("## Slide %d: %s", s.num, paras[0]))
		for _, p := range paras[1:] {
			writeBlock(&b, p)
		}
	}

	md := strings.TrimSpace(b.String())
	if md == "" {
		return nil, ErrNoText
	}
	if t := coreTitle(zr); t != "" {
		title = t
	}
	return &Output{
		Markdown: md,
		Title:    title,
		Metadata: map[string]any{
			"format": string(FormatPPTX),
			"slides": len(slides),
		},
	}, nil
}

// slideParagraphs returns the non-empty a:p paragraphs of one slide.
func slideParagraphs(raw []byte) ([]string, error) {
	var (
		out  []string
		para strings.Builder
	)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
			case "br":
				para.WriteByte(' ')
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return nil, err
				}
				para.WriteString(s)
			}
		case xml.EndElement:
			if t.Name.Local == "p" {
				if text := strings.TrimSpace(para.String()); text != "" {
					out = append(out, text)
				}
			}
		}
	}
}

func xlsxToMarkdown(data []byte) (*Output, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	defer f.Close()

	var b strings.Builder
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %s: %v", ErrCorruptDocument, sheet, err)
		}
		rows = trimEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}
		writeBlock(&b, "## "+sheet)
		writeBlock(&b, markdownTable(rows))
	}

	md := strings.TrimSpace(b.String())
	if md == "" {
		return nil, ErrNoText
	}

	var title string
	if props, err := f.GetDocProps(); err == nil && props != nil {
		title = strings.TrimSpace(props.Title)
	}
	return &Output{
		Markdown: md,
		Title:    title,
		Metadata: map[string]any{
			"format": string(FormatXLSX),
			"sheets": len(sheets),
		},
	}, nil
}

func trimEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// markdownTable renders rows as a GFM table with the first row as header.
func markdownTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if width == 0 {
		return ""
	}

	line := func(cells []string) string {
		out := make([]string, width)
		for i := range out {
			if i < len(cells) {
				out[i] = escapeCell(cells[i])
			}
		}
		return "| " + strings.Join(out, " | ") + " |"
	}

	lines := []string{line(rows[0])}
	sep := make([]string, width)
	for i := range sep {
		sep[i] = "---"
	}
	lines = append(lines, "| "+strings.Join(sep, " | ")+" |")
	for _, r := range rows[1:] {
		lines = append(lines, line(r))
	}
	return strings.Join(lines, "\n")
}

func escapeCell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

func writeBlock(b *strings.Builder, block string) {
	if block == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(block)
}

func xmlAttr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
