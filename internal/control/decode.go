package control

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding is the detected text encoding of the inbound stream.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16LE
	UTF16BE
)

func (e Encoding) String() string {
	switch e {
	case UTF16LE:
		return "utf-16le"
	case UTF16BE:
		return "utf-16be"
	default:
		return "utf-8"
	}
}

// Detect guesses the encoding from the first bytes of a stream: a UTF-16
// byte order mark, or a NUL in one byte of the first code unit.
func Detect(head []byte) Encoding {
	if len(head) < 2 {
		return UTF8
	}
	switch {
	case head[0] == 0xFF && head[1] == 0xFE:
		return UTF16LE
	case head[0] == 0xFE && head[1] == 0xFF:
		return UTF16BE
	case head[0] != 0 && head[1] == 0:
		return UTF16LE
	case head[0] == 0 && head[1] != 0:
		return UTF16BE
	}
	return UTF8
}

func decoder(e Encoding) *encoding.Decoder {
	switch e {
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
	default:
		return unicode.UTF8BOM.NewDecoder()
	}
}

// NewDecoder wraps r so that it yields UTF-8 whatever the detected input
// encoding. Detection blocks until two bytes are available or r ends.
func NewDecoder(r io.Reader) (io.Reader, Encoding) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(2)
	enc := Detect(head)
	return transform.NewReader(br, decoder(enc)), enc
}

// Clean strips NULs, the carriage return and surrounding space from a
// decoded line.
func Clean(line string) string {
	if strings.IndexByte(line, 0) >= 0 {
		line = strings.ReplaceAll(line, "\x00", "")
	}
	return strings.TrimSpace(line)
}

// DecodeLine decodes one complete raw line, for callers that do not read a
// stream.
func DecodeLine(raw []byte) string {
	enc := Detect(raw)
	if enc == UTF8 {
		return Clean(string(raw))
	}
	out, _, err := transform.Bytes(decoder(enc), raw)
	if err != nil {
		return Clean(string(bytes.ReplaceAll(raw, []byte{0}, nil)))
	}
	return Clean(string(out))
}
