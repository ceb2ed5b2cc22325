package media

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"testing"

	"webp-migrator/internal/mediatypes"
)

func TestProbeDimensions(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name   string
		width  int
		height int
		format string
	}{
		{"Small JPEG", 100, 100, "jpeg"},
		{"Wide PNG", 1600, 900, "png"},
		{"Tall GIF", 30, 120, "gif"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.name+"."+tt.format)
			createTestImage(t, path, tt.width, tt.height, tt.format)

			d, err := ProbeDimensions(path)
			if err != nil {
				t.Fatalf("ProbeDimensions() error = %v", err)
			}
			if d.Width != tt.width || d.Height != tt.height {
				t.Errorf("ProbeDimensions() = %s, want %dx%d", d, tt.width, tt.height)
			}
		})
	}
}

func TestProbeDimensionsErrors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := ProbeDimensions(filepath.Join(tmpDir, "missing.png")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.png")
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ProbeDimensions(bad); err == nil {
		t.Error("expected error for invalid image")
	}
}

func TestSniffFormat(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name   string
		header []byte
		want   mediatypes.Format
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, mediatypes.FormatJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, mediatypes.FormatPNG},
		{"gif", []byte("GIF89a"), mediatypes.FormatGIF},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), mediatypes.FormatWebP},
		{"avif", []byte("\x00\x00\x00\x1cftypavif"), mediatypes.FormatAVIF},
		{"jxl", []byte{0xFF, 0x0A, 0x00}, mediatypes.FormatJXL},
		{"bmp", []byte("BM\x00\x00"), mediatypes.FormatBMP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.name)
			if err := os.WriteFile(path, tt.header, 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := SniffFormat(path)
			if err != nil {
				t.Fatalf("SniffFormat() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SniffFormat() = %q, want %q", got, tt.want)
			}
		})
	}

	unknown := filepath.Join(tmpDir, "unknown")
	if err := os.WriteFile(unknown, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := SniffFormat(unknown); err == nil {
		t.Error("expected error for unknown header")
	}
}

func TestIsAnimatedGIF(t *testing.T) {
	tmpDir := t.TempDir()

	frame := func(c uint8) *image.Paletted {
		p := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Black, color.White})
		p.SetColorIndex(0, 0, c)
		return p
	}

	var anim bytes.Buffer
	if err := gif.EncodeAll(&anim, &gif.GIF{
		Image: []*image.Paletted{frame(0), frame(1)},
		Delay: []int{10, 10},
	}); err != nil {
		t.Fatal(err)
	}
	animated := filepath.Join(tmpDir, "animated.gif")
	if err := os.WriteFile(animated, anim.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	still := filepath.Join(tmpDir, "still.gif")
	createTestImage(t, still, 8, 8, "gif")

	// The looping extension beyond the probe window is not seen.
	late := filepath.Join(tmpDir, "late.gif")
	padded := append(make([]byte, AnimationProbeBytes), netscapeExt...)
	if err := os.WriteFile(late, padded, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{animated, true},
		{still, false},
		{late, false},
	}
	for _, tt := range tests {
		got, err := IsAnimatedGIF(tt.path)
		if err != nil {
			t.Fatalf("IsAnimatedGIF(%s) error = %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("IsAnimatedGIF(%s) = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
}
