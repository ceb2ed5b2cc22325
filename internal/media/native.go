package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strconv"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/mediatypes"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// NativeEncoder writes WebP with libwebp bindings and AVIF/JPEG-XL through
// the avifenc, ffmpeg and cjxl command-line tools when they are installed.
type NativeEncoder struct {
	avifenc string
	ffmpeg  string
	cjxl    string
}

// NewNativeEncoder probes PATH for the external tools once.
func NewNativeEncoder() *NativeEncoder {
	n := &NativeEncoder{}
	for name, dst := range map[string]*string{"avifenc": &n.avifenc, "ffmpeg": &n.ffmpeg, "cjxl": &n.cjxl} {
		if p, err := exec.LookPath(name); err == nil {
			*dst = p
		} else {
			logging.Debug("%s not found in PATH", name)
		}
	}
	return n
}

// Name implements Encoder.
func (n *NativeEncoder) Name() string { return "native" }

// Supports implements Encoder.
func (n *NativeEncoder) Supports(f mediatypes.Format) bool {
	switch f {
	case mediatypes.FormatWebP:
		return true
	case mediatypes.FormatAVIF:
		return n.avifenc != "" || n.ffmpeg != ""
	case mediatypes.FormatJXL:
		return n.cjxl != ""
	}
	return false
}

// Encode implements Encoder.
func (n *NativeEncoder) Encode(ctx context.Context, src, dst string, f mediatypes.Format, opts EncodeOptions) error {
	switch f {
	case mediatypes.FormatWebP:
		img, err := imaging.Open(src, imaging.AutoOrientation(true))
		if err != nil {
			return codecErr(KindDecodeFailed, f, n.Name(), err)
		}
		return n.encodeWebP(img, dst, opts.Quality)
	case mediatypes.FormatAVIF:
		if n.avifenc != "" {
			// avifenc speed matches our 0..10 scale directly; quality maps to -q.
			return n.run(ctx, f, n.avifenc, "--speed", strconv.Itoa(opts.AvifSpeed),
				"-q", strconv.Itoa(opts.Quality), "--jobs", "1", src, dst)
		}
		if n.ffmpeg != "" {
			crf := 63 - (opts.Quality*63)/100
			return n.run(ctx, f, n.ffmpeg, "-y", "-loglevel", "error", "-i", src,
				"-c:v", "libsvtav1", "-crf", strconv.Itoa(crf),
				"-preset", strconv.Itoa(min(opts.AvifSpeed+2, 12)),
				"-frames:v", "1", dst)
		}
	case mediatypes.FormatJXL:
		if n.cjxl != "" {
			return n.run(ctx, f, n.cjxl, src, dst, "-q", strconv.Itoa(opts.Quality),
				"-e", strconv.Itoa(opts.JxlEffort))
		}
	}
	return codecErr(KindUnsupportedFormat, f, n.Name(), ErrUnsupportedFormat)
}

func (n *NativeEncoder) encodeWebP(img image.Image, dst string, quality int) error {
	f := mediatypes.FormatWebP
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
	if err != nil {
		return codecErr(KindEncodeFailed, f, n.Name(), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return codecErr(KindIOError, f, n.Name(), err)
	}
	if err := webp.Encode(out, img, options); err != nil {
		_ = out.Close()
		return codecErr(KindEncodeFailed, f, n.Name(), err)
	}
	if err := out.Close(); err != nil {
		return codecErr(KindIOError, f, n.Name(), err)
	}
	return nil
}

func (n *NativeEncoder) run(ctx context.Context, f mediatypes.Format, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		kind := KindEncodeFailed
		if bytes.Contains(bytes.ToLower(stderr.Bytes()), []byte("decode")) ||
			bytes.Contains(bytes.ToLower(stderr.Bytes()), []byte("invalid data")) {
			kind = KindDecodeFailed
		}
		return codecErr(kind, f, n.Name(), fmt.Errorf("%s: %w: %s", bin, err, bytes.TrimSpace(stderr.Bytes())))
	}
	return nil
}

// nativeScale resizes src to exactly w×h with imaging and writes dst in
// format f. Only formats with a pure-Go or libwebp encoder are supported.
func nativeScale(src, dst string, w, h int, f mediatypes.Format, opts EncodeOptions) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	resized := imaging.Resize(img, w, h, imaging.Lanczos)

	switch f {
	case mediatypes.FormatWebP:
		return (&NativeEncoder{}).encodeWebP(resized, dst, opts.Quality)
	case mediatypes.FormatJPEG:
		return saveImaging(resized, dst, imaging.JPEG, imaging.JPEGQuality(opts.Quality))
	case mediatypes.FormatPNG:
		return saveImaging(resized, dst, imaging.PNG)
	case mediatypes.FormatGIF:
		return saveImaging(resized, dst, imaging.GIF)
	case mediatypes.FormatBMP:
		return saveImaging(resized, dst, imaging.BMP)
	case mediatypes.FormatTIFF:
		return saveImaging(resized, dst, imaging.TIFF)
	}
	return fmt.Errorf("%w: native resize cannot write %s", ErrUnsupportedFormat, f)
}

// saveImaging encodes explicitly because dst carries a temp suffix that
// imaging.Save could not infer a format from.
func saveImaging(img image.Image, dst string, format imaging.Format, opts ...imaging.EncodeOption) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := imaging.Encode(out, img, format, opts...); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
