package urlmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"webp-migrator/internal/serial"
)

// Map is an insertion-ordered old→new substitution table. The zero value
// is ready to use.
type Map struct {
	keys []string
	vals map[string]string
}

// New returns an empty map.
func New() *Map {
	return &Map{vals: make(map[string]string)}
}

// Set records old→new. Re-setting an existing key updates its target but
// keeps its original position.
func (m *Map) Set(oldKey, newKey string) {
	if m.vals == nil {
		m.vals = make(map[string]string)
	}
	if _, ok := m.vals[oldKey]; !ok {
		m.keys = append(m.keys, oldKey)
	}
	m.vals[oldKey] = newKey
}

// Get returns the target for oldKey.
func (m *Map) Get(oldKey string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.vals[oldKey]
	return v, ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the old keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Pairs returns the substitutions in insertion order.
func (m *Map) Pairs() []serial.Pair {
	if m == nil {
		return nil
	}
	pairs := make([]serial.Pair, 0, len(m.keys))
	for _, k := range m.keys {
		pairs = append(pairs, serial.Pair{Old: k, New: m.vals[k]})
	}
	return pairs
}

// DropIdentity removes entries whose target equals their key.
func (m *Map) DropIdentity() {
	if m == nil {
		return
	}
	kept := m.keys[:0]
	for _, k := range m.keys {
		if m.vals[k] == k {
			delete(m.vals, k)
			continue
		}
		kept = append(kept, k)
	}
	m.keys = kept
}

// Inverse returns the new→old map in the same order. When two old keys
// share a target, the first one wins.
func (m *Map) Inverse() *Map {
	inv := New()
	if m == nil {
		return inv
	}
	for _, k := range m.keys {
		v := m.vals[k]
		if _, exists := inv.vals[v]; exists {
			continue
		}
		inv.Set(v, k)
	}
	return inv
}

// MarshalJSON writes the map as a JSON object in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var out bytes.Buffer
	out.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			out.WriteByte(',')
		}
		for j, s := range []string{k, m.vals[k]} {
			buf.Reset()
			if err := enc.Encode(s); err != nil {
				return nil, err
			}
			out.Write(bytes.TrimRight(buf.Bytes(), "\n"))
			if j == 0 {
				out.WriteByte(':')
			}
		}
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = Map{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("urlmap: expected JSON object")
	}
	fresh := New()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		var v string
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("urlmap: value for %v: %w", kt, err)
		}
		fresh.Set(kt.(string), v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = *fresh
	return nil
}

// Size names one thumbnail file of an attachment.
type Size struct {
	Name string
	File string
}

// Input describes an attachment before and after conversion. Files are
// relative to BaseDir/BaseURL; size files are basenames in the same
// directory as the main file. TargetExt defaults to the extension of
// NewFile. Taken, when set, reports whether an upload-relative path is
// occupied by a file that is not part of this conversion.
type Input struct {
	BaseDir   string
	BaseURL   string
	OldFile   string
	NewFile   string
	OldSizes  []Size
	NewSizes  []Size
	TargetExt string
	Taken     func(rel string) bool
}

// ErrEmpty is returned when the input cannot produce any mapping.
var ErrEmpty = errors.New("urlmap: no mappable files")

// Build produces the substitution table for one attachment: the main file
// and every size present both before and after, each in URL and absolute
// path form, then the upload-relative forms of files inside a dated
// folder, then the extension-swapped derivative of every entry so far.
// A bare basename is never a key: it would match unrelated files such as
// superhero.jpg for hero.jpg. Entries whose key equals their target are
// dropped.
func Build(in Input) (*Map, error) {
	if in.OldFile == "" || in.NewFile == "" {
		return nil, ErrEmpty
	}
	baseURL := strings.TrimRight(in.BaseURL, "/")
	baseDir := strings.TrimRight(in.BaseDir, "/")
	ext := strings.TrimPrefix(in.TargetExt, ".")
	if ext == "" {
		ext = strings.TrimPrefix(path.Ext(in.NewFile), ".")
	}

	type rel struct{ oldRel, newRel string }
	rels := []rel{{in.OldFile, in.NewFile}}

	oldDir := path.Dir(in.OldFile)
	newDir := path.Dir(in.NewFile)
	newByName := make(map[string]string, len(in.NewSizes))
	for _, s := range in.NewSizes {
		newByName[s.Name] = s.File
	}
	for _, s := range in.OldSizes {
		newFile, ok := newByName[s.Name]
		if !ok || s.File == "" || newFile == "" {
			continue
		}
		rels = append(rels, rel{joinRel(oldDir, s.File), joinRel(newDir, newFile)})
	}

	m := New()
	// relOf remembers which upload-relative file each key names.
	relOf := make(map[string]string)
	set := func(key, val, oldRel string) {
		m.Set(key, val)
		relOf[key] = oldRel
	}
	for _, r := range rels {
		if baseURL != "" {
			set(baseURL+"/"+r.oldRel, baseURL+"/"+r.newRel, r.oldRel)
		}
		if baseDir != "" {
			set(baseDir+"/"+r.oldRel, baseDir+"/"+r.newRel, r.oldRel)
		}
	}
	for _, r := range rels {
		if strings.Contains(r.oldRel, "/") {
			set(r.oldRel, r.newRel, r.oldRel)
		}
	}

	if ext != "" {
		for _, k := range m.Keys() {
			d := SwapExtension(k, ext)
			if d == k {
				continue
			}
			if _, exists := m.vals[d]; exists {
				continue
			}
			if in.Taken != nil && in.Taken(SwapExtension(relOf[k], ext)) {
				continue
			}
			m.Set(d, m.vals[k])
		}
	}

	m.DropIdentity()
	if m.Len() == 0 {
		return nil, ErrEmpty
	}
	return m, nil
}

// SwapExtension replaces the extension of name with ext (without dot).
func SwapExtension(name, ext string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + "." + ext
}

func joinRel(dir, file string) string {
	if dir == "." || dir == "" {
		return file
	}
	return dir + "/" + file
}
