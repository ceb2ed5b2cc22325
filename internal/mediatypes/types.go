package mediatypes

import (
	"path"
	"strings"
)

// Format is an image codec the migrator can read or write.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatJXL  Format = "jxl"
)

// TargetFormats are the formats attachments can be converted to.
var TargetFormats = []Format{FormatWebP, FormatAVIF, FormatJXL}

// formatMimes maps each format to its canonical MIME type.
var formatMimes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatGIF:  "image/gif",
	FormatBMP:  "image/bmp",
	FormatTIFF: "image/tiff",
	FormatWebP: "image/webp",
	FormatAVIF: "image/avif",
	FormatJXL:  "image/jxl",
}

// formatExtensions maps each format to the extension written for it (no dot).
var formatExtensions = map[Format]string{
	FormatJPEG: "jpg",
	FormatPNG:  "png",
	FormatGIF:  "gif",
	FormatBMP:  "bmp",
	FormatTIFF: "tif",
	FormatWebP: "webp",
	FormatAVIF: "avif",
	FormatJXL:  "jxl",
}

// ImageExtensions maps lowercase extensions (with dot) to their format.
var ImageExtensions = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".jpe":  FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".bmp":  FormatBMP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".webp": FormatWebP,
	".avif": FormatAVIF,
	".jxl":  FormatJXL,
}

// ParseFormat accepts a format name, extension or MIME type.
func ParseFormat(s string) (Format, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if f, ok := ImageExtensions["."+strings.TrimPrefix(s, ".")]; ok {
		return f, true
	}
	if f := FormatForMime(s); f != "" {
		return f, true
	}
	if _, ok := formatMimes[Format(s)]; ok {
		return Format(s), true
	}
	return "", false
}

// IsTarget reports whether f is a supported conversion target.
func (f Format) IsTarget() bool {
	for _, t := range TargetFormats {
		if f == t {
			return true
		}
	}
	return false
}

// Mime returns the canonical MIME type of f.
func (f Format) Mime() string {
	return formatMimes[f]
}

// Extension returns the file extension written for f, without the dot.
func (f Format) Extension() string {
	return formatExtensions[f]
}

// FormatForMime returns the format of a MIME type, or "".
func FormatForMime(mime string) Format {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "image/jpg" || mime == "image/pjpeg" {
		return FormatJPEG
	}
	for f, m := range formatMimes {
		if m == mime {
			return f
		}
	}
	return ""
}

// FormatForPath returns the format implied by a file's extension, or "".
func FormatForPath(p string) Format {
	return ImageExtensions[strings.ToLower(path.Ext(p))]
}

// GetMimeType returns the MIME type for a lowercase extension with dot.
// Returns "application/octet-stream" if the extension is not recognized.
func GetMimeType(ext string) string {
	if f, ok := ImageExtensions[ext]; ok {
		return f.Mime()
	}
	return "application/octet-stream"
}

// BaseMimes are the attachment MIME types the queue considers at all.
func BaseMimes() []string {
	return []string{
		"image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff",
		"image/webp", "image/avif", "image/jxl",
	}
}

// IsImageMime reports whether mime is one of BaseMimes.
func IsImageMime(mime string) bool {
	return FormatForMime(mime) != ""
}
