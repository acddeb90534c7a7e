package importer

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names a supported input character set.
type Encoding string

const (
	EncodingUTF8        Encoding = "utf-8"
	EncodingLatin1      Encoding = "latin1"
	EncodingWindows1252 Encoding = "windows-1252"
)

// ParseEncoding resolves a user-supplied encoding name. Empty means UTF-8.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "utf-8", "utf8":
		return EncodingUTF8, nil
	case "latin1", "latin-1", "iso-8859-1":
		return EncodingLatin1, nil
	case "windows-1252", "cp1252":
		return EncodingWindows1252, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", s)
}

// transformer returns the decoder that turns the input into UTF-8.
// UTF-8 input honors a leading byte-order mark, including UTF-16 marks.
func (e Encoding) transformer() (transform.Transformer, error) {
	switch e {
	case "", EncodingUTF8:
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case EncodingLatin1:
		return charmap.ISO8859_1.NewDecoder(), nil
	case EncodingWindows1252:
		return charmap.Windows1252.NewDecoder(), nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", string(e))
}
