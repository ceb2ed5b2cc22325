package serial

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// JSONStyle records encoding choices observed in the input so a rewritten
// document keeps the same look.
type JSONStyle struct {
	// EscapeSlashes writes "/" as "\/" the way PHP json_encode does by default.
	EscapeSlashes bool
}

// LooksLikeJSON is a cheap pre-check before DecodeJSON.
func LooksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return false
	}
	return (s[0] == '{' && s[len(s)-1] == '}') || (s[0] == '[' && s[len(s)-1] == ']')
}

// DecodeJSON parses a JSON document keeping object key order and numeric
// literals. Only objects and arrays are accepted at the top level.
func DecodeJSON(s string) (Value, JSONStyle, error) {
	style := JSONStyle{EscapeSlashes: strings.Contains(s, `\/`)}
	if !LooksLikeJSON(s) {
		return nil, style, fmt.Errorf("%w: not a JSON container", ErrSyntax)
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	v, err := decodeJSONValue(dec, 0)
	if err != nil {
		return nil, style, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, style, fmt.Errorf("%w: trailing data", ErrSyntax)
	}
	return v, style, nil
}

func decodeJSONValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrSyntax)
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := &Map{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("%w: non-string key", ErrSyntax)
				}
				val, err := decodeJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				m.Entries = append(m.Entries, Entry{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			return m, nil
		case '[':
			seq := Seq{}
			for dec.More() {
				val, err := decodeJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				seq = append(seq, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			return seq, nil
		}
		return nil, fmt.Errorf("%w: unexpected %v", ErrSyntax, t)
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	}
	return nil, fmt.Errorf("%w: unexpected token %v", ErrSyntax, tok)
}

// EncodeJSON renders v compactly in the given style.
func EncodeJSON(v Value, style JSONStyle) (string, error) {
	var b bytes.Buffer
	if err := encodeJSON(&b, v, style); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encodeJSON(b *bytes.Buffer, v Value, style JSONStyle) error {
	switch x := v.(type) {
	case nil, Null:
		b.WriteString("null")
	case Bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case Number:
		b.WriteString(string(x))
	case String:
		return jsonString(b, string(x), style)
	case Raw:
		return jsonString(b, string(x), style)
	case Seq:
		b.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeJSON(b, item, style); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case *Map:
		return encodeJSONObject(b, x.Entries, style)
	case *Object:
		return encodeJSONObject(b, x.Fields, style)
	default:
		return fmt.Errorf("serial: cannot encode %T", v)
	}
	return nil
}

func encodeJSONObject(b *bytes.Buffer, entries []Entry, style JSONStyle) error {
	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := jsonString(b, e.Key, style); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := encodeJSON(b, e.Value, style); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func jsonString(b *bytes.Buffer, s string, style JSONStyle) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	out := bytes.TrimRight(tmp.Bytes(), "\n")
	if style.EscapeSlashes {
		out = bytes.ReplaceAll(out, []byte("/"), []byte(`\/`))
	}
	b.Write(out)
	return nil
}
