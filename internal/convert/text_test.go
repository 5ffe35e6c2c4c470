package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
		want        string
		wantEnc     string
	}{
		{"utf8", []byte("caf\xc3\xa9"), "", "café", "utf-8"},
		{"utf8 bom stripped", []byte("\xef\xbb\xbfhi"), "", "hi", "utf-8"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'h', 0, 'i', 0}, "", "hi", "utf-16le"},
		{"declared header charset", []byte("\xe0 la carte"), "text/plain; charset=iso-8859-15", "à la carte", "iso-8859-15"},
		{"declared meta charset", []byte(`<meta charset="koi8-r"><p>` + "\xf0\xd2\xc9\xd7\xc5\xd4" + `</p>`), "", `<meta charset="koi8-r"><p>Привет</p>`, "koi8-r"},
		{"windows-1252 fallback", []byte("\x93quoted\x94"), "", "“quoted”", "windows-1252"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enc := DecodeText(tt.data, tt.contentType)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantEnc, enc)
		})
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	doc := `<html><head><meta property="og:title" content="OG title"></head>
<body><h1>Heading</h1><p>See <a href="/a">this</a>.</p><script>alert(1)</script></body></html>`

	md, title, err := HTMLToMarkdown(doc, "https://example.com/blog/post")
	assert.NoError(t, err)
	assert.Equal(t, "OG title", title)
	assert.Contains(t, md, "# Heading")
	assert.Contains(t, md, "(https://example.com/a)")
	assert.NotContains(t, md, "alert")
}

func TestHTMLTitleFallsBackToH1(t *testing.T) {
	assert.Equal(t, "Only heading", htmlTitle(`<body><h1> Only
	heading </h1></body>`))
	assert.Equal(t, "", htmlTitle(`<p>none</p>`))
}
