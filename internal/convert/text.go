package convert

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DecodeText turns raw bytes into a UTF-8 string and reports the encoding
// it settled on. Candidates are tried in order: valid UTF-8, a byte order
// mark, the charset declared in contentType or an HTML <meta> tag,
// Windows-1252, and finally ISO-8859-1, which accepts any byte sequence.
func DecodeText(data []byte, contentType string) (string, string) {
	if utf8.Valid(data) {
		return string(bytes.TrimPrefix(data, bomUTF8)), "utf-8"
	}

	if name, dec := bomDecoder(data); dec != nil {
		if out, err := dec.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
			return string(out), name
		}
	}

	// With no BOM and invalid UTF-8, DetermineEncoding reports either the
	// declared charset or its windows-1252 default.
	if enc, name, _ := charset.DetermineEncoding(data, contentType); enc != nil && name != "utf-8" && name != "windows-1252" {
		if out, err := enc.NewDecoder().Bytes(data); err == nil && !strings.ContainsRune(string(out), utf8.RuneError) {
			return string(out), name
		}
	}

	if out, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && !strings.ContainsRune(string(out), utf8.RuneError) {
		return string(out), "windows-1252"
	}

	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(out), "iso-8859-1"
}

func bomDecoder(data []byte) (string, encoding.Encoding) {
	switch {
	case bytes.HasPrefix(data, bomUTF16LE):
		return "utf-16le", unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)
	case bytes.HasPrefix(data, bomUTF16BE):
		return "utf-16be", unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)
	}
	return "", nil
}
