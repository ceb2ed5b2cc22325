package serial

import "testing"

func TestReplaceString(t *testing.T) {
	pairs := []Pair{
		{Old: "/2025/08/hero.jpg", New: "/2025/08/hero.webp"},
		{Old: "same", New: "same"},
		{Old: "", New: "ignored"},
	}
	got, changed := ReplaceString(`<img src="https://site/2025/08/hero.jpg">`, pairs)
	if !changed || got != `<img src="https://site/2025/08/hero.webp">` {
		t.Errorf("ReplaceString() = %q, %v", got, changed)
	}

	got, changed = ReplaceString("nothing here", pairs)
	if changed || got != "nothing here" {
		t.Errorf("ReplaceString() = %q, %v; want unchanged", got, changed)
	}
}

func TestReplace_WalksAllContainers(t *testing.T) {
	tree := &Map{Entries: []Entry{
		{Key: "hero.jpg", Value: String("hero.jpg")},
		{Key: "list", Value: Seq{String("a hero.jpg"), Number("3"), Raw("r:1;")}},
		{Key: "obj", Value: &Object{Class: "Block", Fields: []Entry{
			{Key: "src", Value: String("/u/hero.jpg")},
		}}},
	}}

	v, changed := Replace(tree, []Pair{{Old: "hero.jpg", New: "hero.webp"}})
	if !changed {
		t.Fatal("Replace() reported no change")
	}
	m := v.(*Map)
	if m.Entries[0].Key != "hero.jpg" {
		t.Errorf("keys must not be rewritten, got %q", m.Entries[0].Key)
	}
	if got, _ := m.Get("hero.jpg"); got != String("hero.webp") {
		t.Errorf("top-level value = %v", got)
	}
	list, _ := m.Get("list")
	if list.(Seq)[0] != String("a hero.webp") {
		t.Errorf("seq value = %v", list.(Seq)[0])
	}
	obj, _ := m.Get("obj")
	if obj.(*Object).Fields[0].Value != String("/u/hero.webp") {
		t.Errorf("object field = %v", obj.(*Object).Fields[0].Value)
	}
}

func TestReplace_DepthCap(t *testing.T) {
	var v Value = String("hero.jpg")
	for i := 0; i < MaxDepth+5; i++ {
		v = Seq{v}
	}
	if _, changed := Replace(v, []Pair{{Old: "hero.jpg", New: "hero.webp"}}); changed {
		t.Error("Replace() descended past MaxDepth")
	}
}

func TestMapHelpersAndEqual(t *testing.T) {
	m := &Map{}
	m.Set("a", String("1"))
	m.Set("b", String("2"))
	m.Set("a", String("3"))
	if len(m.Entries) != 2 || m.Entries[0].Value != String("3") {
		t.Errorf("Set() entries = %+v", m.Entries)
	}
	if !m.Delete("b") || m.Delete("b") {
		t.Error("Delete() should report presence exactly once")
	}

	a, _ := DecodePHP(attachmentMeta)
	b, _ := DecodePHP(attachmentMeta)
	if !Equal(a, b) {
		t.Error("Equal() = false for identical trees")
	}
	Replace(b, []Pair{{Old: "hero", New: "x"}})
	if Equal(a, b) {
		t.Error("Equal() = true after mutation")
	}
}
