package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"webp-migrator/internal/mediatypes"
)

// fakeEncoder writes a fixed payload, or fails with err.
type fakeEncoder struct {
	name     string
	formats  []mediatypes.Format
	err      error
	partial  bool
	calls    int
	lastOpts EncodeOptions
}

func (f *fakeEncoder) Name() string { return f.name }

func (f *fakeEncoder) Supports(format mediatypes.Format) bool {
	for _, s := range f.formats {
		if s == format {
			return true
		}
	}
	return false
}

func (f *fakeEncoder) Encode(_ context.Context, _, dst string, _ mediatypes.Format, opts EncodeOptions) error {
	f.calls++
	f.lastOpts = opts
	if f.partial {
		_ = os.WriteFile(dst, []byte("half"), 0o644)
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("encoded by "+f.name), 0o644)
}

func TestAdapterEncode(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "hero.jpg")
	createTestImage(t, src, 16, 16, "jpeg")

	t.Run("first supporting encoder wins", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatAVIF}}
		b := &fakeEncoder{name: "b", formats: []mediatypes.Format{mediatypes.FormatWebP}}
		dst := filepath.Join(tmpDir, "first.webp")

		if err := NewAdapter(a, b).Encode(context.Background(), src, dst, mediatypes.FormatWebP, EncodeOptions{Quality: 75}); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if a.calls != 0 || b.calls != 1 {
			t.Errorf("calls = %d, %d; want 0, 1", a.calls, b.calls)
		}
		if got := string(readFile(t, dst)); got != "encoded by b" {
			t.Errorf("dst = %q", got)
		}
	})

	t.Run("falls back after failure and cleans partial output", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatWebP}, err: errors.New("boom"), partial: true}
		b := &fakeEncoder{name: "b", formats: []mediatypes.Format{mediatypes.FormatWebP}}
		dst := filepath.Join(tmpDir, "fallback.webp")

		if err := NewAdapter(a, b).Encode(context.Background(), src, dst, mediatypes.FormatWebP, EncodeOptions{Quality: 75}); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if got := string(readFile(t, dst)); got != "encoded by b" {
			t.Errorf("dst = %q", got)
		}
	})

	t.Run("all encoders fail", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatWebP}, partial: true,
			err: codecErr(KindDecodeFailed, mediatypes.FormatWebP, "a", errors.New("truncated"))}
		dst := filepath.Join(tmpDir, "failed.webp")

		err := NewAdapter(a).Encode(context.Background(), src, dst, mediatypes.FormatWebP, EncodeOptions{Quality: 75})
		var ce *CodecError
		if !errors.As(err, &ce) || ce.Kind != KindDecodeFailed {
			t.Fatalf("Encode() error = %v, want decode_failed CodecError", err)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("partial output should have been removed")
		}
	})

	t.Run("unsupported target", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatWebP}}
		err := NewAdapter(a).Encode(context.Background(), src, filepath.Join(tmpDir, "x.png"), mediatypes.FormatPNG, EncodeOptions{})
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Encode() error = %v, want ErrUnsupportedFormat", err)
		}

		err = NewAdapter(a).Encode(context.Background(), src, filepath.Join(tmpDir, "x.jxl"), mediatypes.FormatJXL, EncodeOptions{})
		var ce *CodecError
		if !errors.As(err, &ce) || ce.Kind != KindUnsupportedFormat {
			t.Errorf("Encode() error = %v, want unsupported_format", err)
		}
	})

	t.Run("missing source is io error", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatWebP}}
		err := NewAdapter(a).Encode(context.Background(), filepath.Join(tmpDir, "nope.jpg"), filepath.Join(tmpDir, "nope.webp"), mediatypes.FormatWebP, EncodeOptions{})
		var ce *CodecError
		if !errors.As(err, &ce) || ce.Kind != KindIOError {
			t.Errorf("Encode() error = %v, want io_error", err)
		}
		if a.calls != 0 {
			t.Error("encoder should not run without a source")
		}
	})

	t.Run("options are clamped", func(t *testing.T) {
		a := &fakeEncoder{name: "a", formats: []mediatypes.Format{mediatypes.FormatAVIF}}
		dst := filepath.Join(tmpDir, "clamped.avif")
		if err := NewAdapter(a).Encode(context.Background(), src, dst, mediatypes.FormatAVIF,
			EncodeOptions{Quality: 250, AvifSpeed: -3, JxlEffort: 12}); err != nil {
			t.Fatal(err)
		}
		want := EncodeOptions{Quality: 100, AvifSpeed: 0, JxlEffort: 9}
		if a.lastOpts != want {
			t.Errorf("opts = %+v, want %+v", a.lastOpts, want)
		}
	})
}

func TestNativeEncoderWebP(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "photo.png")
	dst := filepath.Join(tmpDir, "photo.webp")
	createTestImage(t, src, 64, 48, "png")

	enc := NewNativeEncoder()
	if !enc.Supports(mediatypes.FormatWebP) {
		t.Fatal("native encoder must always support webp")
	}
	if err := enc.Encode(context.Background(), src, dst, mediatypes.FormatWebP, EncodeOptions{Quality: 75}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := SniffFormat(dst)
	if err != nil || got != mediatypes.FormatWebP {
		t.Fatalf("SniffFormat() = %q, %v", got, err)
	}
	d, err := ProbeDimensions(dst)
	if err != nil {
		t.Fatalf("ProbeDimensions() error = %v", err)
	}
	if d.Width != 64 || d.Height != 48 {
		t.Errorf("dimensions = %s, want 64x48", d)
	}
}

func TestNativeEncoderDecodeFailure(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "truncated.png")
	full := filepath.Join(tmpDir, "full.png")
	createTestImage(t, full, 32, 32, "png")
	b := readFile(t, full)
	if err := os.WriteFile(src, b[:len(b)/3], 0o644); err != nil {
		t.Fatal(err)
	}

	err := NewNativeEncoder().Encode(context.Background(), src, filepath.Join(tmpDir, "out.webp"), mediatypes.FormatWebP, EncodeOptions{Quality: 75})
	var ce *CodecError
	if !errors.As(err, &ce) || ce.Kind != KindDecodeFailed {
		t.Errorf("Encode() error = %v, want decode_failed", err)
	}
}
