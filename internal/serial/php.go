package serial

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed serialised input.
var ErrSyntax = errors.New("serial: syntax error")

// IsPHPSerialized reports whether s looks like output of PHP serialize(),
// using the same shape checks WordPress applies before unserialising.
func IsPHPSerialized(s string) bool {
	s = strings.TrimSpace(s)
	if s == "N;" {
		return true
	}
	if len(s) < 4 || s[1] != ':' {
		return false
	}
	last := s[len(s)-1]
	if last != ';' && last != '}' {
		return false
	}
	switch s[0] {
	case 's':
		return s[len(s)-2] == '"'
	case 'a', 'O', 'C':
		return last == '}'
	case 'b', 'i', 'd', 'E', 'r', 'R':
		return last == ';'
	}
	return false
}

// DecodePHP parses one serialised PHP value. Trailing bytes are an error.
func DecodePHP(s string) (Value, error) {
	d := &phpDecoder{in: s}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.in) {
		return nil, d.errf("trailing data")
	}
	return v, nil
}

type phpDecoder struct {
	in  string
	pos int
}

func (d *phpDecoder) errf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, d.pos, fmt.Sprintf(format, args...))
}

func (d *phpDecoder) expect(c byte) error {
	if d.pos >= len(d.in) || d.in[d.pos] != c {
		return d.errf("expected %q", c)
	}
	d.pos++
	return nil
}

// until returns the text up to (not including) c and consumes c.
func (d *phpDecoder) until(c byte) (string, error) {
	i := strings.IndexByte(d.in[d.pos:], c)
	if i < 0 {
		return "", d.errf("missing %q", c)
	}
	s := d.in[d.pos : d.pos+i]
	d.pos += i + 1
	return s, nil
}

func (d *phpDecoder) length() (int, error) {
	s, err := d.until(':')
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, d.errf("bad length %q", s)
	}
	return n, nil
}

// quoted reads `"<n bytes>"`.
func (d *phpDecoder) quoted(n int) (string, error) {
	if err := d.expect('"'); err != nil {
		return "", err
	}
	if d.pos+n > len(d.in) {
		return "", d.errf("string overruns input")
	}
	s := d.in[d.pos : d.pos+n]
	d.pos += n
	if err := d.expect('"'); err != nil {
		return "", err
	}
	return s, nil
}

func (d *phpDecoder) value(depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, d.errf("nesting too deep")
	}
	if d.pos+1 >= len(d.in) {
		return nil, d.errf("unexpected end")
	}
	start := d.pos
	tag := d.in[d.pos]
	if tag == 'N' {
		d.pos++
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return Null{}, nil
	}
	d.pos++
	if err := d.expect(':'); err != nil {
		return nil, err
	}

	switch tag {
	case 'b':
		s, err := d.until(';')
		if err != nil {
			return nil, err
		}
		switch s {
		case "0":
			return Bool(false), nil
		case "1":
			return Bool(true), nil
		}
		return nil, d.errf("bad bool %q", s)
	case 'i', 'd':
		s, err := d.until(';')
		if err != nil {
			return nil, err
		}
		if s == "" {
			return nil, d.errf("empty number")
		}
		if tag == 'd' {
			return Raw("d:" + s + ";"), nil
		}
		return Number(s), nil
	case 'r', 'R':
		if _, err := d.until(';'); err != nil {
			return nil, err
		}
		return Raw(d.in[start:d.pos]), nil
	case 's':
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		s, err := d.quoted(n)
		if err != nil {
			return nil, err
		}
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return String(s), nil
	case 'E':
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		if _, err := d.quoted(n); err != nil {
			return nil, err
		}
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return Raw(d.in[start:d.pos]), nil
	case 'a':
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		entries, err := d.entries(n, depth)
		if err != nil {
			return nil, err
		}
		return &Map{Entries: entries}, nil
	case 'O':
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		class, err := d.quoted(n)
		if err != nil {
			return nil, err
		}
		if err := d.expect(':'); err != nil {
			return nil, err
		}
		count, err := d.length()
		if err != nil {
			return nil, err
		}
		fields, err := d.entries(count, depth)
		if err != nil {
			return nil, err
		}
		return &Object{Class: class, Fields: fields}, nil
	case 'C':
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		if _, err := d.quoted(n); err != nil {
			return nil, err
		}
		if err := d.expect(':'); err != nil {
			return nil, err
		}
		size, err := d.length()
		if err != nil {
			return nil, err
		}
		if err := d.expect('{'); err != nil {
			return nil, err
		}
		if d.pos+size >= len(d.in) {
			return nil, d.errf("custom payload overruns input")
		}
		d.pos += size
		if err := d.expect('}'); err != nil {
			return nil, err
		}
		return Raw(d.in[start:d.pos]), nil
	}
	return nil, d.errf("unknown type %q", tag)
}

func (d *phpDecoder) entries(n, depth int) ([]Entry, error) {
	if err := d.expect('{'); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		k, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		var e Entry
		switch key := k.(type) {
		case Number:
			e.Key, e.IntKey = string(key), true
		case String:
			e.Key = string(key)
		default:
			return nil, d.errf("invalid key type")
		}
		if e.Value, err = d.value(depth + 1); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := d.expect('}'); err != nil {
		return nil, err
	}
	return entries, nil
}

// EncodePHP renders v in PHP serialize() format.
func EncodePHP(v Value) (string, error) {
	var b strings.Builder
	if err := encodePHP(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encodePHP(b *strings.Builder, v Value) error {
	switch x := v.(type) {
	case nil, Null:
		b.WriteString("N;")
	case Bool:
		if x {
			b.WriteString("b:1;")
		} else {
			b.WriteString("b:0;")
		}
	case Number:
		b.WriteString("i:")
		b.WriteString(string(x))
		b.WriteByte(';')
	case String:
		phpString(b, string(x))
	case Raw:
		b.WriteString(string(x))
	case Seq:
		fmt.Fprintf(b, "a:%d:{", len(x))
		for i, item := range x {
			fmt.Fprintf(b, "i:%d;", i)
			if err := encodePHP(b, item); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case *Map:
		fmt.Fprintf(b, "a:%d:{", len(x.Entries))
		if err := encodeEntries(b, x.Entries); err != nil {
			return err
		}
		b.WriteByte('}')
	case *Object:
		fmt.Fprintf(b, "O:%d:\"%s\":%d:{", len(x.Class), x.Class, len(x.Fields))
		if err := encodeEntries(b, x.Fields); err != nil {
			return err
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("serial: cannot encode %T", v)
	}
	return nil
}

func encodeEntries(b *strings.Builder, entries []Entry) error {
	for _, e := range entries {
		if e.IntKey {
			b.WriteString("i:")
			b.WriteString(e.Key)
			b.WriteByte(';')
		} else {
			phpString(b, e.Key)
		}
		if err := encodePHP(b, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func phpString(b *strings.Builder, s string) {
	fmt.Fprintf(b, "s:%d:\"", len(s))
	b.WriteString(s)
	b.WriteString("\";")
}
