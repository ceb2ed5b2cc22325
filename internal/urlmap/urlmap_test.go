package urlmap

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func heroInput() Input {
	return Input{
		BaseDir:  "/var/www/uploads",
		BaseURL:  "https://site/wp-content/uploads/",
		OldFile:  "2025/08/hero.jpg",
		NewFile:  "2025/08/hero.webp",
		OldSizes: []Size{{Name: "medium", File: "hero-300x169.jpg"}, {Name: "gone", File: "hero-10x10.jpg"}},
		NewSizes: []Size{{Name: "medium", File: "hero-300x169.webp"}, {Name: "fresh", File: "hero-50x50.webp"}},
	}
}

func TestBuild(t *testing.T) {
	m, err := Build(heroInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := [][2]string{
		{"https://site/wp-content/uploads/2025/08/hero.jpg", "https://site/wp-content/uploads/2025/08/hero.webp"},
		{"/var/www/uploads/2025/08/hero.jpg", "/var/www/uploads/2025/08/hero.webp"},
		{"https://site/wp-content/uploads/2025/08/hero-300x169.jpg", "https://site/wp-content/uploads/2025/08/hero-300x169.webp"},
		{"/var/www/uploads/2025/08/hero-300x169.jpg", "/var/www/uploads/2025/08/hero-300x169.webp"},
		{"2025/08/hero.jpg", "2025/08/hero.webp"},
		{"2025/08/hero-300x169.jpg", "2025/08/hero-300x169.webp"},
	}
	pairs := m.Pairs()
	if len(pairs) != len(want) {
		t.Fatalf("Build() produced %d pairs, want %d: %+v", len(pairs), len(want), pairs)
	}
	for i, w := range want {
		if pairs[i].Old != w[0] || pairs[i].New != w[1] {
			t.Errorf("pair %d = %q→%q, want %q→%q", i, pairs[i].Old, pairs[i].New, w[0], w[1])
		}
	}
	for _, k := range m.Keys() {
		if strings.Contains(k, "10x10") || strings.Contains(k, "50x50") {
			t.Errorf("size missing from one side must not be mapped: %s", k)
		}
	}
}

func TestBuild_Derivatives(t *testing.T) {
	in := heroInput()
	in.BaseDir = ""
	in.NewFile = "2025/08/hero-1.webp"
	in.NewSizes = []Size{{Name: "medium", File: "hero-1-300x169.webp"}}

	m, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	const u = "https://site/wp-content/uploads/"
	want := [][2]string{
		{u + "2025/08/hero.jpg", u + "2025/08/hero-1.webp"},
		{u + "2025/08/hero-300x169.jpg", u + "2025/08/hero-1-300x169.webp"},
		{"2025/08/hero.jpg", "2025/08/hero-1.webp"},
		{"2025/08/hero-300x169.jpg", "2025/08/hero-1-300x169.webp"},
		{u + "2025/08/hero.webp", u + "2025/08/hero-1.webp"},
		{u + "2025/08/hero-300x169.webp", u + "2025/08/hero-1-300x169.webp"},
		{"2025/08/hero.webp", "2025/08/hero-1.webp"},
		{"2025/08/hero-300x169.webp", "2025/08/hero-1-300x169.webp"},
	}
	pairs := m.Pairs()
	if len(pairs) != len(want) {
		t.Fatalf("Build() produced %d pairs, want %d: %+v", len(pairs), len(want), pairs)
	}
	for i, w := range want {
		if pairs[i].Old != w[0] || pairs[i].New != w[1] {
			t.Errorf("pair %d = %q→%q, want %q→%q", i, pairs[i].Old, pairs[i].New, w[0], w[1])
		}
	}
}

func TestBuild_DerivativesSkipTakenFiles(t *testing.T) {
	in := heroInput()
	in.BaseDir = ""
	in.NewFile = "2025/08/hero-1.webp"
	in.NewSizes = []Size{{Name: "medium", File: "hero-1-300x169.webp"}}
	in.Taken = func(rel string) bool { return rel == "2025/08/hero.webp" }

	m, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, k := range m.Keys() {
		if strings.HasSuffix(k, "/hero.webp") || k == "2025/08/hero.webp" {
			t.Errorf("derivative naming a foreign file was kept: %s", k)
		}
	}
	if _, ok := m.Get("2025/08/hero-300x169.webp"); !ok {
		t.Error("free derivative missing")
	}
}

func TestBuild_TargetExtension(t *testing.T) {
	in := heroInput()
	in.BaseDir = ""
	in.NewFile = "2025/08/hero-scaled.webp"
	in.TargetExt = ".webp"
	in.OldSizes = nil

	m, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if v, _ := m.Get("2025/08/hero.webp"); v != "2025/08/hero-scaled.webp" {
		t.Errorf("derivative = %q", v)
	}
}

func TestBuild_RootLevelHasNoBareKeys(t *testing.T) {
	m, err := Build(Input{
		BaseDir: "/var/www/uploads",
		BaseURL: "https://site/wp-content/uploads",
		OldFile: "hero.jpg",
		NewFile: "hero.webp",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{
		"https://site/wp-content/uploads/hero.jpg",
		"/var/www/uploads/hero.jpg",
	}
	if strings.Join(m.Keys(), ",") != strings.Join(want, ",") {
		t.Errorf("Keys() = %v, want %v", m.Keys(), want)
	}
	for _, k := range m.Keys() {
		if strings.Contains("https://site/wp-content/uploads/superhero.jpg", k) {
			t.Errorf("key %q matches an unrelated file", k)
		}
	}
}

func TestBuild_DropsIdentity(t *testing.T) {
	in := heroInput()
	in.NewFile = in.OldFile
	in.OldSizes = nil
	if _, err := Build(in); !errors.Is(err, ErrEmpty) {
		t.Errorf("Build() identity error = %v, want ErrEmpty", err)
	}

	in = heroInput()
	in.NewSizes = []Size{{Name: "medium", File: "hero-300x169.jpg"}}
	m, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, p := range m.Pairs() {
		if p.Old == p.New {
			t.Errorf("identity pair kept: %q", p.Old)
		}
	}
}

func TestBuild_RequiresFiles(t *testing.T) {
	if _, err := Build(Input{}); !errors.Is(err, ErrEmpty) {
		t.Errorf("Build(empty) = %v, want ErrEmpty", err)
	}
}

func TestInverse(t *testing.T) {
	m := New()
	m.Set("a.jpg", "a.webp")
	m.Set("b.jpg", "b.webp")
	m.Set("c.jpeg", "a.webp")

	inv := m.Inverse()
	if inv.Len() != 2 {
		t.Fatalf("Inverse().Len() = %d, want 2", inv.Len())
	}
	if v, _ := inv.Get("a.webp"); v != "a.jpg" {
		t.Errorf("Inverse a.webp = %q, want first key", v)
	}
	if inv.Keys()[1] != "b.webp" {
		t.Errorf("Inverse order = %v", inv.Keys())
	}
}

func TestSetKeepsPosition(t *testing.T) {
	m := New()
	m.Set("x", "1")
	m.Set("y", "2")
	m.Set("x", "3")
	if strings.Join(m.Keys(), ",") != "x,y" {
		t.Errorf("Keys() = %v", m.Keys())
	}
	if v, _ := m.Get("x"); v != "3" {
		t.Errorf("Get(x) = %q", v)
	}
}

func TestJSONPreservesOrder(t *testing.T) {
	m := New()
	m.Set("z/b.jpg", "z/b.webp")
	m.Set("a.jpg", "a.webp")

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"z/b.jpg":"z/b.webp","a.jpg":"a.webp"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var back Map
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if strings.Join(back.Keys(), ",") != "z/b.jpg,a.jpg" {
		t.Errorf("Unmarshal() keys = %v", back.Keys())
	}
}

func TestSwapExtension(t *testing.T) {
	if got := SwapExtension("hero-300x169.jpeg", "avif"); got != "hero-300x169.avif" {
		t.Errorf("SwapExtension() = %q", got)
	}
}
