package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// JSONToPipeList transcodes a JSON object payload into the flat value list
// expected by AO modules: the object's values in document order, separated
// by pipes, without quotes, brackets or spaces. Doubled backslashes collapse
// to single ones. The rendering of each value follows the legacy producer,
// which printed the value list as a Python literal and stripped it, so
// booleans become True/False and null becomes None.
//
// ok is false when there is no payload to send.
func JSONToPipeList(payload string) (out string, ok bool, err error) {
	if strings.TrimSpace(payload) == "" {
		return "", false, nil
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	v, err := decodeOrdered(dec)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", false, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidPayload)
	}
	obj, isObj := v.(object)
	if !isObj {
		return "", false, fmt.Errorf("%w: expected a JSON object, got %T", ErrInvalidPayload, v)
	}

	values := make([]any, len(obj))
	for i, m := range obj {
		values[i] = m.value
	}

	var b strings.Builder
	pyRepr(&b, values)
	lstr := strings.NewReplacer("'", "", ",", "|", " ", "", "[", "", "]", "").Replace(b.String())
	return strings.ReplaceAll(lstr, `\\`, `\`), true, nil
}

type member struct {
	key   string
	value any
}

// object keeps JSON members in document order.
type object []member

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := object{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := kt.(string)
				v, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, member{key: key, value: v})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			list := []any{}
			for dec.More() {
				v, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %q", t)
	default:
		return t, nil
	}
}

func pyRepr(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("None")
	case bool:
		if t {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case json.Number:
		b.WriteString(pyNumber(t))
	case string:
		b.WriteString(pyString(t))
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			pyRepr(b, e)
		}
		b.WriteByte(']')
	case object:
		b.WriteByte('{')
		for i, m := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pyString(m.key))
			b.WriteString(": ")
			pyRepr(b, m.value)
		}
		b.WriteByte('}')
	}
}

func pyNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		return s
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return s
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(fixed, ".") {
		fixed += ".0"
	}
	return fixed
}

func pyString(s string) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b bytes.Buffer
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}
