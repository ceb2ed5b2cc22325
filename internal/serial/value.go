package serial

// Value is a node of a decoded serialised tree. The concrete types are
// String, Number, Bool, Null, Seq, *Map, *Object and Raw.
type Value interface {
	isValue()
}

// String is a text scalar.
type String string

// Number keeps the literal text of a numeric scalar so re-encoding is byte
// faithful ("1.50" stays "1.50").
type Number string

// Bool is a boolean scalar.
type Bool bool

// Null is the absent value.
type Null struct{}

// Seq is an ordered list (JSON arrays).
type Seq []Value

// Map is an insertion-ordered mapping. PHP arrays and JSON objects decode to Map.
type Map struct {
	Entries []Entry
}

// Object is a PHP object with its class name and ordered properties.
type Object struct {
	Class  string
	Fields []Entry
}

// Raw is an opaque literal that is carried through untouched: PHP references
// (r:/R:), custom-serialised objects (C:) and enum cases (E:).
type Raw string

// Entry is one key/value pair of a Map or Object. IntKey marks integer keys,
// which PHP encodes as i:N rather than s:N:"...".
type Entry struct {
	Key    string
	IntKey bool
	Value  Value
}

func (String) isValue()  {}
func (Number) isValue()  {}
func (Bool) isValue()    {}
func (Null) isValue()    {}
func (Seq) isValue()     {}
func (*Map) isValue()    {}
func (*Object) isValue() {}
func (Raw) isValue()     {}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	for _, e := range m.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, appending a new entry if absent.
func (m *Map) Set(key string, v Value) {
	for i := range m.Entries {
		if m.Entries[i].Key == key {
			m.Entries[i].Value = v
			return
		}
	}
	m.Entries = append(m.Entries, Entry{Key: key, Value: v})
}

// Delete removes key, reporting whether it was present.
func (m *Map) Delete(key string) bool {
	for i := range m.Entries {
		if m.Entries[i].Key == key {
			m.Entries = append(m.Entries[:i], m.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Equal reports whether two trees are structurally identical, including key
// order and literal spelling.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case String:
		y, ok := b.(String)
		return ok && x == y
	case Number:
		y, ok := b.(Number)
		return ok && x == y
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case Null:
		_, ok := b.(Null)
		return ok
	case Raw:
		y, ok := b.(Raw)
		return ok && x == y
	case Seq:
		y, ok := b.(Seq)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		return ok && entriesEqual(x.Entries, y.Entries)
	case *Object:
		y, ok := b.(*Object)
		return ok && x.Class == y.Class && entriesEqual(x.Fields, y.Fields)
	}
	return false
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].IntKey != b[i].IntKey || !Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
