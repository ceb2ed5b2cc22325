package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/metrics"
)

// ErrUnsupportedFormat is returned when no encoder can write the requested format.
var ErrUnsupportedFormat = errors.New("unsupported format")

// CodecErrorKind classifies encode failures.
type CodecErrorKind string

const (
	KindUnsupportedFormat CodecErrorKind = "unsupported_format"
	KindDecodeFailed      CodecErrorKind = "decode_failed"
	KindEncodeFailed      CodecErrorKind = "encode_failed"
	KindIOError           CodecErrorKind = "io_error"
)

// CodecError is returned by encoders and the Adapter.
type CodecError struct {
	Kind    CodecErrorKind
	Format  mediatypes.Format
	Backend string
	Err     error
}

func (e *CodecError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s (%s via %s): %v", e.Kind, e.Format, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Format, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErr(kind CodecErrorKind, f mediatypes.Format, backend string, err error) *CodecError {
	return &CodecError{Kind: kind, Format: f, Backend: backend, Err: err}
}

// EncodeOptions carries quality and codec tuning.
type EncodeOptions struct {
	Quality   int
	AvifSpeed int // 0 (slowest) .. 10 (fastest)
	JxlEffort int // 1 (fastest) .. 9 (slowest)
}

// Encoder converts the image at src into dst in format f.
type Encoder interface {
	Name() string
	Supports(f mediatypes.Format) bool
	Encode(ctx context.Context, src, dst string, f mediatypes.Format, opts EncodeOptions) error
}

// Adapter picks the first encoder that supports a format and falls back
// to the next one when it fails.
type Adapter struct {
	encoders []Encoder
}

// NewAdapter creates an adapter trying encoders in order.
func NewAdapter(encoders ...Encoder) *Adapter {
	return &Adapter{encoders: encoders}
}

// DefaultAdapter prefers libvips when it is initialized and falls back to
// the native encoders.
func DefaultAdapter() *Adapter {
	var encoders []Encoder
	if IsVipsAvailable() {
		encoders = append(encoders, VipsEncoder{})
	}
	encoders = append(encoders, NewNativeEncoder())
	return NewAdapter(encoders...)
}

// Supports reports whether any encoder can produce f.
func (a *Adapter) Supports(f mediatypes.Format) bool {
	for _, e := range a.encoders {
		if e.Supports(f) {
			return true
		}
	}
	return false
}

// Encode clamps options, runs the encoders and verifies that dst was
// written. dst is removed on failure.
func (a *Adapter) Encode(ctx context.Context, src, dst string, f mediatypes.Format, opts EncodeOptions) error {
	if !f.IsTarget() {
		return codecErr(KindUnsupportedFormat, f, "", fmt.Errorf("%w: %q is not a target format", ErrUnsupportedFormat, f))
	}
	if _, err := os.Stat(src); err != nil {
		return codecErr(KindIOError, f, "", err)
	}
	opts = ClampOptions(opts)

	var lastErr error
	tried := false
	for _, enc := range a.encoders {
		if !enc.Supports(f) {
			continue
		}
		tried = true
		start := time.Now()
		err := enc.Encode(ctx, src, dst, f, opts)
		metrics.EncodeDuration.WithLabelValues(string(f), enc.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			err = verifyOutput(dst, f, enc.Name())
		}
		if err == nil {
			logging.Debug("Encoded %s -> %s with %s (q=%d)", src, dst, enc.Name(), opts.Quality)
			return nil
		}
		_ = os.Remove(dst)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logging.Warn("Encoder %s failed for %s: %v", enc.Name(), src, err)
	}

	if !tried {
		return codecErr(KindUnsupportedFormat, f, "", fmt.Errorf("%w: no encoder available for %s", ErrUnsupportedFormat, f))
	}
	var ce *CodecError
	if errors.As(lastErr, &ce) {
		return lastErr
	}
	return codecErr(KindEncodeFailed, f, "", lastErr)
}

// ClampOptions forces options into the accepted codec ranges.
func ClampOptions(opts EncodeOptions) EncodeOptions {
	opts.Quality = min(max(opts.Quality, 1), 100)
	opts.AvifSpeed = min(max(opts.AvifSpeed, 0), 10)
	opts.JxlEffort = min(max(opts.JxlEffort, 1), 9)
	return opts
}

func verifyOutput(dst string, f mediatypes.Format, backend string) error {
	info, err := os.Stat(dst)
	if err != nil {
		return codecErr(KindIOError, f, backend, fmt.Errorf("output missing: %w", err))
	}
	if info.Size() == 0 {
		return codecErr(KindEncodeFailed, f, backend, errors.New("output is empty"))
	}
	return nil
}
