package media

import (
	"context"
	"errors"
	"fmt"
	"os"

	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/mediatypes"
)

// ResizeTolerance is how far verified dimensions may drift from the request.
const ResizeTolerance = 1

// ErrDimensionMismatch is returned when the resized temp file does not have
// the requested dimensions.
var ErrDimensionMismatch = errors.New("resized dimensions do not match")

// Resizer rescales images in place. The target is only ever replaced by a
// verified temp file.
type Resizer struct {
	opts EncodeOptions
}

// NewResizer creates a resizer writing lossy formats with opts.
func NewResizer(opts EncodeOptions) *Resizer {
	return &Resizer{opts: ClampOptions(opts)}
}

// ResizeInPlace rescales path to exactly w×h. On any error path is untouched
// and the temp file is removed.
func (r *Resizer) ResizeInPlace(ctx context.Context, path string, w, h int) (err error) {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid resize target %dx%d", w, h)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	format := mediatypes.FormatForPath(path)
	if format == "" {
		if format, err = SniffFormat(path); err != nil {
			return err
		}
	}

	tmp := filesystem.TempPath(path)
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				logging.Warn("Failed to remove resize temp file %s: %v", tmp, rmErr)
			}
		}
	}()

	if err = r.scale(path, tmp, w, h, format); err != nil {
		return fmt.Errorf("resize %s: %w", path, err)
	}

	got, err := ProbeDimensions(tmp)
	if err != nil {
		return fmt.Errorf("resized file is not a valid image: %w", err)
	}
	if !withinTolerance(got, w, h) {
		err = fmt.Errorf("%w: want %dx%d, got %s", ErrDimensionMismatch, w, h, got)
		return err
	}

	if err = filesystem.ReplaceFile(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	logging.Debug("Resized %s to %dx%d", path, got.Width, got.Height)
	return nil
}

func (r *Resizer) scale(src, dst string, w, h int, f mediatypes.Format) error {
	if IsVipsAvailable() {
		err := vipsScale(src, dst, w, h, f, r.opts)
		if err == nil {
			return nil
		}
		logging.Debug("libvips resize failed for %s, using native path: %v", src, err)
		_ = os.Remove(dst)
	}
	return nativeScale(src, dst, w, h, f, r.opts)
}

func withinTolerance(d Dimensions, w, h int) bool {
	return abs(d.Width-w) <= ResizeTolerance && abs(d.Height-h) <= ResizeTolerance
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
