package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound is returned when a key or value is absent.
	ErrNotFound = errors.New("settings: not found")
	// ErrMalformed is returned when brackets, strings or members do not
	// scan. The document is never modified in that case.
	ErrMalformed = errors.New("settings: malformed document")
)

// Span is the half-open byte range [Start, End) of one JSON value.
// Containers include their brackets.
type Span struct {
	Start, End int
}

func malformed(pos int, what string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, what, pos)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func skipSpace(doc []byte, i int) int {
	for i < len(doc) && isSpace(doc[i]) {
		i++
	}
	return i
}

// skipString returns the offset after the string literal opening at i.
func skipString(doc []byte, i int) (int, error) {
	for j := i + 1; j < len(doc); j++ {
		switch doc[j] {
		case '\\':
			j++
		case '"':
			return j + 1, nil
		}
	}
	return 0, malformed(i, "unterminated string")
}

// skipValue returns the offset after the value starting at i. Containers
// are matched by bracket depth with string literals skipped.
func skipValue(doc []byte, i int) (int, error) {
	if i >= len(doc) {
		return 0, malformed(i, "missing value")
	}
	switch doc[i] {
	case '"':
		return skipString(doc, i)
	case '{', '[':
		depth := 0
		for j := i; j < len(doc); j++ {
			switch doc[j] {
			case '"':
				end, err := skipString(doc, j)
				if err != nil {
					return 0, err
				}
				j = end - 1
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return j + 1, nil
				}
			}
		}
		return 0, malformed(i, "unbalanced brackets")
	default:
		j := i
		for j < len(doc) && !isSpace(doc[j]) && doc[j] != ',' && doc[j] != '}' && doc[j] != ']' {
			j++
		}
		if j == i {
			return 0, malformed(i, "unexpected character")
		}
		return j, nil
	}
}

func decodeString(raw []byte) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// quote encodes s as a JSON string literal, escaping only what JSON
// requires.
func quote(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '"':
			b.WriteString(`\"`)
		case r < 0x20:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// member is one key/value pair of an object.
type member struct {
	key   string
	keyAt int
	value Span
}

// members lists the direct members of the object at obj.
func members(doc []byte, obj Span) ([]member, error) {
	if obj.Start >= len(doc) || doc[obj.Start] != '{' {
		return nil, malformed(obj.Start, "expected object")
	}
	var out []member
	i := skipSpace(doc, obj.Start+1)
	if i < len(doc) && doc[i] == '}' {
		return nil, nil
	}
	for {
		if i >= len(doc) || doc[i] != '"' {
			return nil, malformed(i, "expected member name")
		}
		keyEnd, err := skipString(doc, i)
		if err != nil {
			return nil, err
		}
		key, err := decodeString(doc[i:keyEnd])
		if err != nil {
			return nil, err
		}
		j := skipSpace(doc, keyEnd)
		if j >= len(doc) || doc[j] != ':' {
			return nil, malformed(j, "expected ':'")
		}
		j = skipSpace(doc, j+1)
		end, err := skipValue(doc, j)
		if err != nil {
			return nil, err
		}
		out = append(out, member{key: key, keyAt: i, value: Span{j, end}})

		i = skipSpace(doc, end)
		if i < len(doc) && doc[i] == ',' {
			i = skipSpace(doc, i+1)
			continue
		}
		if i < len(doc) && doc[i] == '}' {
			return out, nil
		}
		return nil, malformed(i, "expected ',' or '}'")
	}
}

// elements lists the values of the array at arr.
func elements(doc []byte, arr Span) ([]Span, error) {
	if arr.Start >= len(doc) || doc[arr.Start] != '[' {
		return nil, malformed(arr.Start, "expected array")
	}
	var out []Span
	i := skipSpace(doc, arr.Start+1)
	if i < len(doc) && doc[i] == ']' {
		return nil, nil
	}
	for {
		end, err := skipValue(doc, i)
		if err != nil {
			return nil, err
		}
		out = append(out, Span{i, end})
		i = skipSpace(doc, end)
		if i < len(doc) && doc[i] == ',' {
			i = skipSpace(doc, i+1)
			continue
		}
		if i < len(doc) && doc[i] == ']' {
			return out, nil
		}
		return nil, malformed(i, "expected ',' or ']'")
	}
}

var byteOrderMark = []byte("\xef\xbb\xbf")

func root(doc []byte) (Span, error) {
	i := skipSpace(doc, 0)
	if bytes.HasPrefix(doc[i:], byteOrderMark) {
		i = skipSpace(doc, i+3)
	}
	if i >= len(doc) || doc[i] != '{' {
		return Span{}, malformed(i, "document is not an object")
	}
	end, err := skipValue(doc, i)
	if err != nil {
		return Span{}, err
	}
	return Span{i, end}, nil
}

// FindValue returns the value of a top-level key.
func FindValue(doc []byte, key string) (Span, error) {
	r, err := root(doc)
	if err != nil {
		return Span{}, err
	}
	ms, err := members(doc, r)
	if err != nil {
		return Span{}, err
	}
	for _, m := range ms {
		if m.key == key {
			return m.value, nil
		}
	}
	return Span{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
}

// FindArray returns the top-level array named key.
func FindArray(doc []byte, key string) (Span, error) {
	s, err := FindValue(doc, key)
	if err != nil {
		return Span{}, err
	}
	if doc[s.Start] != '[' {
		return Span{}, malformed(s.Start, fmt.Sprintf("%q is not an array", key))
	}
	return s, nil
}

// NextObject returns the first object element of arr starting at or after
// offset from. Non-object elements are skipped.
func NextObject(doc []byte, arr Span, from int) (Span, bool) {
	els, err := elements(doc, arr)
	if err != nil {
		return Span{}, false
	}
	for _, el := range els {
		if el.Start >= from && doc[el.Start] == '{' {
			return el, true
		}
	}
	return Span{}, false
}

// Objects returns every object element of arr.
func Objects(doc []byte, arr Span) ([]Span, error) {
	els, err := elements(doc, arr)
	if err != nil {
		return nil, err
	}
	out := els[:0]
	for _, el := range els {
		if doc[el.Start] == '{' {
			out = append(out, el)
		}
	}
	return out, nil
}

// Field returns the value span of a direct member of obj.
func Field(doc []byte, obj Span, key string) (Span, bool) {
	ms, err := members(doc, obj)
	if err != nil {
		return Span{}, false
	}
	for _, m := range ms {
		if m.key == key {
			return m.value, true
		}
	}
	return Span{}, false
}

// StringField returns the decoded string value of a direct member.
func StringField(doc []byte, obj Span, key string) (string, bool) {
	v, ok := Field(doc, obj, key)
	if !ok || doc[v.Start] != '"' {
		return "", false
	}
	s, err := decodeString(doc[v.Start:v.End])
	if err != nil {
		return "", false
	}
	return s, true
}

// NumberField returns the numeric value of a direct member.
func NumberField(doc []byte, obj Span, key string) (float64, bool) {
	v, ok := Field(doc, obj, key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(doc[v.Start:v.End]), 64)
	return f, err == nil
}

// ReplaceNumber sets a numeric member of obj to v formatted with prec
// decimals, inserting the member when absent.
func ReplaceNumber(doc []byte, obj Span, key string, v float64, prec int) ([]byte, error) {
	return setMember(doc, obj, key, strconv.FormatFloat(v, 'f', prec, 64))
}

// ReplaceString sets a string member of obj, inserting it when absent.
func ReplaceString(doc []byte, obj Span, key, s string) ([]byte, error) {
	return setMember(doc, obj, key, quote(s))
}

func setMember(doc []byte, obj Span, key, raw string) ([]byte, error) {
	ms, err := members(doc, obj)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		if m.key == key {
			return splice(doc, m.value.Start, m.value.End, raw), nil
		}
	}
	if len(ms) == 0 {
		return splice(doc, obj.Start+1, obj.End-1, quote(key)+": "+raw), nil
	}
	// Reuse the whitespace that precedes the first member for the new one.
	first := ms[0].keyAt
	sep := string(doc[obj.Start+1 : first])
	last := ms[len(ms)-1].value.End
	return splice(doc, last, last, ","+sep+quote(key)+": "+raw), nil
}

// InsertObject appends text as the last element of arr.
func InsertObject(doc []byte, arr Span, text string) ([]byte, error) {
	els, err := elements(doc, arr)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		if bytes.IndexByte(doc, '\n') < 0 {
			return splice(doc, arr.Start, arr.End, "["+text+"]"), nil
		}
		outer := lineIndent(doc, arr.Start)
		elem, _ := Layout(doc, arr)
		return splice(doc, arr.Start, arr.End, "[\n"+elem+text+"\n"+outer+"]"), nil
	}
	sep := string(doc[arr.Start+1 : els[0].Start])
	last := els[len(els)-1].End
	return splice(doc, last, last, ","+sep+text), nil
}

// RemoveObject deletes the element obj from arr together with one
// separating comma.
func RemoveObject(doc []byte, arr Span, obj Span) ([]byte, error) {
	els, err := elements(doc, arr)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, el := range els {
		if el == obj {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		return nil, fmt.Errorf("%w: element at offset %d", ErrNotFound, obj.Start)
	case len(els) == 1:
		return splice(doc, arr.Start, arr.End, "[]"), nil
	case idx < len(els)-1:
		return splice(doc, obj.Start, els[idx+1].Start, ""), nil
	default:
		return splice(doc, els[idx-1].End, obj.End, ""), nil
	}
}

// Layout reports the indentation of the elements of arr and one
// indentation step. Both are empty for single-line arrays.
func Layout(doc []byte, arr Span) (elem, unit string) {
	outer := lineIndent(doc, arr.Start)
	els, err := elements(doc, arr)
	if err == nil && len(els) > 0 {
		gap := doc[arr.Start+1 : els[0].Start]
		nl := bytes.LastIndexByte(gap, '\n')
		if nl < 0 {
			return "", ""
		}
		elem = string(gap[nl+1:])
		unit = elem[min(len(outer), len(elem)):]
		if unit == "" {
			unit = "  "
		}
		return elem, unit
	}
	if bytes.IndexByte(doc, '\n') < 0 {
		return "", ""
	}
	unit = "  "
	if bytes.Contains(doc, []byte("\n\t")) {
		unit = "\t"
	}
	return outer + unit, unit
}

func lineIndent(doc []byte, pos int) string {
	start := bytes.LastIndexByte(doc[:pos], '\n') + 1
	end := start
	for end < pos && (doc[end] == ' ' || doc[end] == '\t') {
		end++
	}
	return string(doc[start:end])
}

func splice(doc []byte, start, end int, text string) []byte {
	out := make([]byte, 0, len(doc)-(end-start)+len(text))
	out = append(out, doc[:start]...)
	out = append(out, text...)
	return append(out, doc[end:]...)
}
