package parser

import (
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

// codeLanguage names the language of the first fenced block in content.
// The fence info string wins; otherwise chroma guesses from the body.
func codeLanguage(content string) string {
	lines := strings.Split(content, "\n")
	open := -1
	var fenceChar byte
	var fenceLen int
	for i, l := range lines {
		if ch, n, ok := fenceOpen(l); ok {
			open, fenceChar, fenceLen = i, ch, n
			break
		}
	}
	if open < 0 {
		return ""
	}

	info := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(lines[open]), string(fenceChar)))
	if fields := strings.Fields(info); len(fields) > 0 {
		return strings.ToLower(fields[0])
	}

	var body strings.Builder
	for _, l := range lines[open+1:] {
		if isFenceClose(l, fenceChar, fenceLen) {
			break
		}
		body.WriteString(l)
		body.WriteByte('\n')
	}
	return DetectLanguage(body.String())
}

// DetectLanguage guesses a language name for a code snippet, or "" when
// nothing matches.
func DetectLanguage(code string) string {
	if strings.TrimSpace(code) == "" {
		return ""
	}
	lexer := lexers.Analyse(code)
	if lexer == nil {
		return ""
	}
	return strings.ToLower(lexer.Config().Name)
}
