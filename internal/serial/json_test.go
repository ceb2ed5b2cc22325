package serial

import "testing"

func TestDecodeJSON_PreservesOrderAndNumbers(t *testing.T) {
	in := `{"z":1.50,"a":[true,null,"x"],"m":{"k":"v"}}`
	v, style, err := DecodeJSON(in)
	if err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	out, err := EncodeJSON(v, style)
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %s, want %s", out, in)
	}
}

func TestDecodeJSON_KeepsEscapedSlashStyle(t *testing.T) {
	in := `{"src":"https:\/\/site\/2025\/08\/hero.jpg"}`
	v, style, err := DecodeJSON(in)
	if err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if !style.EscapeSlashes {
		t.Fatal("style.EscapeSlashes = false, want true")
	}

	v, changed := Replace(v, []Pair{{Old: "https://site/2025/08/hero.jpg", New: "https://site/2025/08/hero.webp"}})
	if !changed {
		t.Fatal("Replace() reported no change")
	}
	out, err := EncodeJSON(v, style)
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	want := `{"src":"https:\/\/site\/2025\/08\/hero.webp"}`
	if out != want {
		t.Errorf("EncodeJSON() = %s, want %s", out, want)
	}
}

func TestDecodeJSON_Rejects(t *testing.T) {
	for _, in := range []string{`"scalar"`, `{"a":}`, `[1,2]x`, `plain text`} {
		if _, _, err := DecodeJSON(in); err == nil {
			t.Errorf("DecodeJSON(%q) succeeded, want error", in)
		}
	}
}

func TestEncodeJSON_NoHTMLEscaping(t *testing.T) {
	out, err := EncodeJSON(Seq{String("<img src='a.webp'>")}, JSONStyle{})
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if out != `["<img src='a.webp'>"]` {
		t.Errorf("EncodeJSON() = %s", out)
	}
}
