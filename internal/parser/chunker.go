package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/raphaelgruber/distill/internal/models"
)

// ChunkInfo describes one chunk of a markdown document.
type ChunkInfo struct {
	Index       int
	Content     string
	Type        models.ChunkType
	WordCount   int
	CharCount   int
	HasCode     bool
	HasLinks    bool
	HasImages   bool
	HasTables   bool
	HeadingPath string // "# Guide > ## Setup"
	Language    string // code blocks only
}

// Metadata returns the structural flags in the shape stored on ContentChunk.
func (c ChunkInfo) Metadata() map[string]any {
	meta := map[string]any{
		"has_code":   c.HasCode,
		"has_links":  c.HasLinks,
		"has_images": c.HasImages,
		"has_tables": c.HasTables,
	}
	if c.HeadingPath != "" {
		meta["heading_path"] = c.HeadingPath
	}
	if c.Language != "" {
		meta["language"] = c.Language
	}
	return meta
}

var (
	headingRegex   = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?[ \t]*$`)
	tableRowRegex  = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	tableSepRegex  = regexp.MustCompile(`(?m)^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)
	fenceLineRegex = regexp.MustCompile("(?m)^ {0,3}(```|~~~)")
	listItemRegex  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	inlineCode     = regexp.MustCompile("`[^`\n]+`")
	imageRegex     = regexp.MustCompile(`!\[[^\]]*\]\([^)\s]+[^)]*\)`)
	linkRegex      = regexp.MustCompile(`(?:^|[^!])\[[^\]]+\]\([^)\s]+[^)]*\)|https?://\S+`)
)

// lineKind is the scanner classification of one source line.
type lineKind int

const (
	kindText lineKind = iota
	kindBlank
	kindHeading
	kindFenceOpen
	kindFenceBody
	kindFenceClose
	kindTable
)

// scanState is the line scanner state.
type scanState int

const (
	stateNormal scanState = iota
	stateInFence
	stateInTable
)

type line struct {
	start, end int // byte offsets into the document, newline excluded
	kind       lineKind
	level      int // heading level
}

// span is a byte range of the document that becomes one chunk.
type span struct {
	start, end int
	special    bool // fenced block or table kept intact
}

type chunker struct {
	doc   string
	lines []line
	max   int
	min   int
}

// Chunk splits normalized markdown into ordered, bounded chunks.
//
// Segments are cut at top-level headings outside fenced code. Oversized
// segments are split at deeper headings, then by paragraphs, then by
// sentences. A fenced code block or a table is never broken, even when it
// exceeds maxSize. Sizes are counted in characters.
func Chunk(markdown string, maxSize, minSize int) []ChunkInfo {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = models.DefaultChunkingConfig().MaxSize
	}
	if minSize < 0 {
		minSize = 0
	}
	if minSize > maxSize {
		minSize = maxSize
	}

	c := &chunker{doc: markdown, max: maxSize, min: minSize}
	c.lines = scanLines(markdown)

	// Small pieces merge only within their own top-level segment.
	var spans []span
	for _, seg := range c.splitAtLevel(0, len(c.lines), c.topLevel()) {
		spans = append(spans, c.mergeSmall(c.splitRange(seg[0], seg[1]))...)
	}

	paths := c.headingPaths()
	chunks := make([]ChunkInfo, 0, len(spans))
	for _, s := range spans {
		content := strings.TrimSpace(c.doc[s.start:s.end])
		if content == "" {
			continue
		}
		info := describe(content)
		info.Index = len(chunks)
		info.HeadingPath = paths.at(s.start + leadingSpace(c.doc[s.start:s.end]))
		chunks = append(chunks, info)
	}
	return chunks
}

// scanLines splits the document into lines and runs the fence/table state
// machine over them.
func scanLines(doc string) []line {
	var lines []line
	state := stateNormal
	var fenceChar byte
	var fenceLen int

	pos := 0
	for pos <= len(doc) {
		end := strings.IndexByte(doc[pos:], '\n')
		if end < 0 {
			end = len(doc)
		} else {
			end += pos
		}
		text := strings.TrimSuffix(doc[pos:end], "\r")
		l := line{start: pos, end: pos + len(text)}

		switch state {
		case stateInFence:
			if isFenceClose(text, fenceChar, fenceLen) {
				l.kind = kindFenceClose
				state = stateNormal
			} else {
				l.kind = kindFenceBody
			}
		default:
			if ch, n, ok := fenceOpen(text); ok {
				l.kind = kindFenceOpen
				fenceChar, fenceLen = ch, n
				state = stateInFence
			} else if m := headingRegex.FindStringSubmatch(text); m != nil {
				l.kind = kindHeading
				l.level = len(m[1])
				state = stateNormal
			} else if strings.TrimSpace(text) == "" {
				l.kind = kindBlank
				state = stateNormal
			} else if isTableRow(text) {
				l.kind = kindTable
				state = stateInTable
			} else {
				l.kind = kindText
				state = stateNormal
			}
		}

		lines = append(lines, l)
		if end == len(doc) {
			break
		}
		pos = end + 1
	}
	return lines
}

func fenceOpen(text string) (byte, int, bool) {
	t := strings.TrimLeft(text, " ")
	if len(text)-len(t) > 3 || len(t) < 3 {
		return 0, 0, false
	}
	ch := t[0]
	if ch != '`' && ch != '~' {
		return 0, 0, false
	}
	n := 0
	for n < len(t) && t[n] == ch {
		n++
	}
	if n < 3 {
		return 0, 0, false
	}
	if ch == '`' && strings.ContainsRune(t[n:], '`') {
		return 0, 0, false
	}
	return ch, n, true
}

func isFenceClose(text string, ch byte, n int) bool {
	t := strings.TrimSpace(text)
	if len(t) < n {
		return false
	}
	for i := 0; i < len(t); i++ {
		if t[i] != ch {
			return false
		}
	}
	return true
}

func isTableRow(text string) bool {
	if tableRowRegex.MatchString(text) && strings.Count(text, "|") >= 2 {
		return true
	}
	return tableSepRegex.MatchString(text)
}

// topLevel returns the shallowest heading level outside fences, or 0.
func (c *chunker) topLevel() int {
	return c.minHeadingLevel(0, len(c.lines), 0)
}

// minHeadingLevel finds the shallowest heading deeper than above in lines [lo, hi).
func (c *chunker) minHeadingLevel(lo, hi, above int) int {
	level := 0
	for i := lo; i < hi; i++ {
		l := c.lines[i]
		if l.kind != kindHeading || l.level <= above {
			continue
		}
		if level == 0 || l.level < level {
			level = l.level
		}
	}
	return level
}

// splitAtLevel cuts lines [lo, hi) before every heading of the given level.
func (c *chunker) splitAtLevel(lo, hi, level int) [][2]int {
	if level == 0 {
		return [][2]int{{lo, hi}}
	}
	var parts [][2]int
	start := lo
	for i := lo + 1; i < hi; i++ {
		l := c.lines[i]
		if l.kind == kindHeading && l.level == level {
			parts = append(parts, [2]int{start, i})
			start = i
		}
	}
	return append(parts, [2]int{start, hi})
}

func (c *chunker) byteRange(lo, hi int) (int, int) {
	return c.lines[lo].start, c.lines[hi-1].end
}

func (c *chunker) size(start, end int) int {
	return utf8.RuneCountInString(strings.TrimSpace(c.doc[start:end]))
}

func (c *chunker) splitRange(lo, hi int) []span {
	start, end := c.byteRange(lo, hi)
	if c.size(start, end) <= c.max {
		return []span{{start: start, end: end}}
	}
	if c.isSpecialBlock(lo, hi) {
		return []span{{start: start, end: end, special: true}}
	}

	parent := 0
	if first := c.firstNonBlank(lo, hi); first >= 0 && c.lines[first].kind == kindHeading {
		parent = c.lines[first].level
	}
	if sub := c.minHeadingLevel(lo+1, hi, parent); sub > 0 {
		if parts := c.splitAtLevel(lo, hi, sub); len(parts) > 1 {
			var spans []span
			for _, p := range parts {
				spans = append(spans, c.splitRange(p[0], p[1])...)
			}
			return spans
		}
	}
	return c.splitParagraphs(lo, hi)
}

func (c *chunker) firstNonBlank(lo, hi int) int {
	for i := lo; i < hi; i++ {
		if c.lines[i].kind != kindBlank {
			return i
		}
	}
	return -1
}

// isSpecialBlock reports whether lines [lo, hi) form one fenced code block
// (closed or running to the end) or are mostly table rows.
func (c *chunker) isSpecialBlock(lo, hi int) bool {
	nonBlank, tableRows := 0, 0
	first, last := -1, -1
	for i := lo; i < hi; i++ {
		k := c.lines[i].kind
		if k == kindBlank {
			continue
		}
		nonBlank++
		if k == kindTable {
			tableRows++
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if nonBlank == 0 {
		return false
	}
	if tableRows*2 > nonBlank {
		return true
	}
	if c.lines[first].kind != kindFenceOpen {
		return false
	}
	for i := first + 1; i <= last; i++ {
		if c.lines[i].kind == kindFenceClose {
			return i == last
		}
	}
	return true // unterminated fence runs to the end
}

// unit is a paragraph, a fenced block or a table. Only fenced blocks and
// tables are atomic.
type unit struct {
	lo, hi   int
	atomic   bool
	headings bool // every line is a heading
}

func (c *chunker) units(lo, hi int) []unit {
	var out []unit
	i := lo
	for i < hi {
		k := c.lines[i].kind
		if k == kindBlank {
			i++
			continue
		}
		u := unit{lo: i}
		switch k {
		case kindFenceOpen, kindFenceBody, kindFenceClose:
			u.atomic = true
			if k != kindFenceClose {
				for i++; i < hi && c.lines[i].kind == kindFenceBody; i++ {
				}
			}
			if i < hi && c.lines[i].kind == kindFenceClose {
				i++
			}
		case kindTable:
			u.atomic = true
			for i < hi && c.lines[i].kind == kindTable {
				i++
			}
		default:
			u.headings = true
			for ; i < hi; i++ {
				k := c.lines[i].kind
				if k == kindBlank || k == kindFenceOpen || k == kindTable {
					break
				}
				if k != kindHeading {
					u.headings = false
				}
			}
		}
		u.hi = i
		out = append(out, u)
	}
	return out
}

// splitParagraphs accumulates units until the next one would push the
// running chunk past max. Leading headings stay with the text after them.
func (c *chunker) splitParagraphs(lo, hi int) []span {
	var spans []span
	curStart, curEnd := -1, -1
	curHeadings := false

	flush := func() {
		if curStart >= 0 {
			spans = append(spans, span{start: curStart, end: curEnd})
			curStart, curEnd = -1, -1
		}
	}

	for _, u := range c.units(lo, hi) {
		uStart, uEnd := c.byteRange(u.lo, u.hi)
		oversized := c.size(uStart, uEnd) > c.max
		overflows := curStart >= 0 && c.size(curStart, uEnd) > c.max

		if (oversized || overflows) && curStart >= 0 && curHeadings && !u.atomic {
			spans = append(spans, c.fit(curStart, uEnd, 0)...)
			curStart, curEnd = -1, -1
			continue
		}

		if oversized {
			flush()
			if u.atomic {
				spans = append(spans, span{start: uStart, end: uEnd, special: true})
			} else {
				spans = append(spans, c.fit(uStart, uEnd, 0)...)
			}
			continue
		}

		if overflows {
			flush()
		}
		if curStart < 0 {
			curStart = uStart
			curHeadings = u.headings
		} else {
			curHeadings = curHeadings && u.headings
		}
		curEnd = uEnd
	}
	flush()
	return spans
}

const (
	cutSentences = iota
	cutWords
	cutRunes
)

// fit breaks [start, end) into spans of at most max characters, trying
// sentence boundaries first, then whitespace, then raw rune counts.
func (c *chunker) fit(start, end, level int) []span {
	if c.size(start, end) <= c.max {
		return []span{{start: start, end: end}}
	}

	var cuts []int
	switch level {
	case cutSentences:
		cuts = sentenceCuts(c.doc, start, end)
	case cutWords:
		cuts = wordCuts(c.doc, start, end)
	default:
		return c.runeSplit(start, end)
	}

	var out []span
	cur, last := start, start
	for _, b := range append(cuts, end) {
		if c.size(cur, b) <= c.max {
			last = b
			continue
		}
		if last > cur {
			out = append(out, span{start: cur, end: last})
			cur = last
		}
		if c.size(cur, b) > c.max {
			out = append(out, c.fit(cur, b, level+1)...)
			cur = b
		}
		last = b
	}
	if cur < end && strings.TrimSpace(c.doc[cur:end]) != "" {
		out = append(out, span{start: cur, end: end})
	}
	return out
}

func (c *chunker) runeSplit(start, end int) []span {
	var out []span
	cur, n := start, 0
	for i := range c.doc[start:end] {
		if n == c.max {
			out = append(out, span{start: cur, end: start + i})
			cur, n = start+i, 0
		}
		n++
	}
	if cur < end {
		out = append(out, span{start: cur, end: end})
	}
	return out
}

// sentenceCuts returns offsets just after sentence-ending punctuation that is
// followed by whitespace. Single-letter initials ("J. Doe") are not cuts.
func sentenceCuts(doc string, start, end int) []int {
	var cuts []int
	text := doc[start:end]
	for i := 0; i < len(text)-1; i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[i+1:])
		if !unicode.IsSpace(next) {
			continue
		}
		if ch == '.' && isInitial(text[:i]) {
			continue
		}
		cuts = append(cuts, start+i+1)
	}
	return cuts
}

func isInitial(before string) bool {
	r, size := utf8.DecodeLastRuneInString(before)
	if size == 0 || !unicode.IsUpper(r) {
		return false
	}
	prev, psize := utf8.DecodeLastRuneInString(before[:len(before)-size])
	return psize == 0 || unicode.IsSpace(prev)
}

// wordCuts returns the start offset of every word after the first.
func wordCuts(doc string, start, end int) []int {
	var cuts []int
	inSpace := false
	for i, r := range doc[start:end] {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && i > 0 {
			cuts = append(cuts, start+i)
		}
		inSpace = false
	}
	return cuts
}

// mergeSmall folds chunks shorter than min into their predecessor when the
// combined chunk still fits and neither side is a kept-intact block. A chunk
// that opens with a heading is never folded backwards; when it is small it
// absorbs the body chunk after it instead.
func (c *chunker) mergeSmall(spans []span) []span {
	if c.min <= 0 || len(spans) < 2 {
		return spans
	}
	out := []span{spans[0]}
	for _, s := range spans[1:] {
		prev := &out[len(out)-1]
		fits := !s.special && !prev.special && c.size(prev.start, s.end) <= c.max
		switch {
		case c.startsWithHeading(s):
			// starts a new section
		case fits && c.size(s.start, s.end) < c.min:
			prev.end = s.end
			continue
		case fits && c.size(prev.start, prev.end) < c.min && c.startsWithHeading(*prev):
			prev.end = s.end
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *chunker) startsWithHeading(s span) bool {
	text := strings.TrimLeft(c.doc[s.start:s.end], " \t\r\n")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return headingRegex.MatchString(text)
}

// headingIndex maps byte offsets to the heading path in effect there.
type headingIndex struct {
	starts []int
	paths  []string
}

func (c *chunker) headingPaths() headingIndex {
	var idx headingIndex
	var stack []string
	var levels []int
	for _, l := range c.lines {
		if l.kind != kindHeading {
			continue
		}
		text := strings.TrimSpace(c.doc[l.start:l.end])
		for len(levels) > 0 && levels[len(levels)-1] >= l.level {
			stack = stack[:len(stack)-1]
			levels = levels[:len(levels)-1]
		}
		stack = append(stack, text)
		levels = append(levels, l.level)
		idx.starts = append(idx.starts, l.start)
		idx.paths = append(idx.paths, strings.Join(stack, " > "))
	}
	return idx
}

func (h headingIndex) at(offset int) string {
	path := ""
	for i, s := range h.starts {
		if s > offset {
			break
		}
		path = h.paths[i]
	}
	return path
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
}

// describe classifies a chunk and computes its counts and flags. Only the
// chunk's own text is inspected.
func describe(content string) ChunkInfo {
	info := ChunkInfo{
		Content:   content,
		Type:      classify(content),
		WordCount: len(strings.Fields(content)),
		CharCount: utf8.RuneCountInString(content),
		HasImages: imageRegex.MatchString(content),
		HasTables: tableSepRegex.MatchString(content),
	}
	info.HasCode = fenceLineRegex.MatchString(content) || inlineCode.MatchString(content)
	info.HasLinks = linkRegex.MatchString(imageRegex.ReplaceAllString(content, ""))
	if info.Type == models.ChunkCodeBlock {
		info.Language = codeLanguage(content)
	}
	return info
}

// classify applies heading > code_block > table > list > paragraph.
func classify(content string) models.ChunkType {
	lines := strings.Split(content, "\n")
	if headingRegex.MatchString(lines[0]) {
		return models.ChunkHeading
	}
	if fenceLineRegex.MatchString(content) {
		return models.ChunkCodeBlock
	}
	if tableSepRegex.MatchString(content) {
		return models.ChunkTable
	}

	nonBlank, items := 0, 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		nonBlank++
		if listItemRegex.MatchString(l) {
			items++
		}
	}
	if items > 0 && items*2 >= nonBlank {
		return models.ChunkList
	}
	return models.ChunkParagraph
}
