package media

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/mediatypes"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // WebP format support
)

// AnimationProbeBytes is how much of a GIF is scanned for the looping extension.
const AnimationProbeBytes = 128 * 1024

var netscapeExt = []byte("NETSCAPE2.0")

// Dimensions holds image width and height
type Dimensions struct {
	Width  int
	Height int
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// ProbeDimensions returns image dimensions without fully decoding the image.
// Formats the standard decoders cannot read (AVIF, JPEG-XL) are probed
// through libvips when it is available.
func ProbeDimensions(path string) (Dimensions, error) {
	file, err := os.Open(path)
	if err != nil {
		return Dimensions{}, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logging.Warn("failed to close image file %s: %v", path, err)
		}
	}()

	config, _, err := image.DecodeConfig(file)
	if err == nil {
		return Dimensions{Width: config.Width, Height: config.Height}, nil
	}
	if IsVipsAvailable() {
		if d, verr := vipsDimensions(path); verr == nil {
			return d, nil
		}
	}
	return Dimensions{}, err
}

// SniffFormat identifies an image by its magic bytes.
func SniffFormat(path string) (mediatypes.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header := make([]byte, 32)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", err
	}
	header = header[:n]

	switch {
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return mediatypes.FormatJPEG, nil

	case len(header) >= 8 && header[0] == 0x89 && header[1] == 0x50 && header[2] == 0x4E && header[3] == 0x47:
		return mediatypes.FormatPNG, nil

	case len(header) >= 4 && header[0] == 0x47 && header[1] == 0x49 && header[2] == 0x46 && header[3] == 0x38:
		return mediatypes.FormatGIF, nil

	case len(header) >= 12 && header[0] == 0x52 && header[1] == 0x49 && header[2] == 0x46 && header[3] == 0x46 &&
		header[8] == 0x57 && header[9] == 0x45 && header[10] == 0x42 && header[11] == 0x50:
		return mediatypes.FormatWebP, nil

	case len(header) >= 2 && header[0] == 0x42 && header[1] == 0x4D:
		return mediatypes.FormatBMP, nil

	case len(header) >= 4 && ((header[0] == 0x49 && header[1] == 0x49 && header[2] == 0x2A && header[3] == 0x00) ||
		(header[0] == 0x4D && header[1] == 0x4D && header[2] == 0x00 && header[3] == 0x2A)):
		return mediatypes.FormatTIFF, nil

	case len(header) >= 12 && header[4] == 0x66 && header[5] == 0x74 && header[6] == 0x79 && header[7] == 0x70:
		brand := string(header[8:12])
		if brand == "avif" || brand == "avis" {
			return mediatypes.FormatAVIF, nil
		}

	case len(header) >= 2 && header[0] == 0xFF && header[1] == 0x0A,
		len(header) >= 12 && bytes.Equal(header[4:8], []byte("JXL ")):
		return mediatypes.FormatJXL, nil
	}
	return "", fmt.Errorf("%w: unrecognized image header", ErrUnsupportedFormat)
}

// IsAnimatedGIF reports whether a GIF declares the NETSCAPE2.0 looping
// extension within its first AnimationProbeBytes bytes.
func IsAnimatedGIF(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buf, err := io.ReadAll(io.LimitReader(file, AnimationProbeBytes))
	if err != nil {
		return false, err
	}
	return bytes.Contains(buf, netscapeExt), nil
}
