package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

const hexDigits = "0123456789abcdef"

// Canonical encodes v as canonical JSON: object keys sorted by UTF-16 code
// units, strings NFC-normalized, no insignificant whitespace, no HTML
// escaping, and numbers written exactly as encoding/json produced them.
// Two values that differ only in map ordering encode to identical bytes.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %w", ErrSerialization, v, err)
	}

	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites an existing JSON document in canonical form.
// Documents with a repeated object key, compared after NFC normalization,
// fail with ErrDuplicateKey.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	doc, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrSerialization, err)
	}

	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrSerialization)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeValue reads one value token by token so repeated keys are seen
// before a map would collapse them.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}

	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '[':
		arr := []any{}

		for dec.More() {
			elem, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}

			arr = append(arr, elem)
		}

		return arr, closeDelim(dec)
	case '{':
		obj := map[string]any{}

		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			key, _ := keyTok.(string)
			key = norm.NFC.String(key)

			if _, seen := obj[key]; seen {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
			}

			value, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}

			obj[key] = value
		}

		return obj, closeDelim(dec)
	default:
		return nil, fmt.Errorf("unexpected %q", delim)
	}
}

func closeDelim(dec *json.Decoder) error {
	if _, err := dec.Token(); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}

		return err
	}

	return nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		writeString(buf, val)
	case []any:
		buf.WriteByte('[')

		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}

		buf.WriteByte(']')
	case map[string]any:
		return writeObject(buf, val)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrSerialization, v)
	}

	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	type member struct {
		key   string
		units []uint16
	}

	members := make([]member, 0, len(obj))
	for k := range obj {
		normalized := norm.NFC.String(k)
		members = append(members, member{key: k, units: utf16.Encode([]rune(normalized))})
	}

	slices.SortFunc(members, func(a, b member) int {
		return slices.Compare(a.units, b.units)
	})

	buf.WriteByte('{')

	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}

		writeString(buf, m.key)
		buf.WriteByte(':')

		if err := writeCanonical(buf, obj[m.key]); err != nil {
			return fmt.Errorf("[%q]: %w", m.key, err)
		}
	}

	buf.WriteByte('}')

	return nil
}

// writeString escapes only the quote, the backslash and control characters.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)

	buf.WriteByte('"')

	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])

				continue
			}

			buf.WriteRune(r)
		}
	}

	buf.WriteByte('"')
}
