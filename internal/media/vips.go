package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/mediatypes"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	vipsInitialized bool
	vipsInitMutex   sync.Mutex
	vipsAvailable   bool
)

// InitVips initializes the libvips library
// This should be called once at startup
func InitVips(maxCacheMem int) error {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		return nil
	}

	// Configure vips logging BEFORE Startup() to respect LOG_LEVEL
	vips.LoggingSettings(vipsLogHandler(logging.GetLevel()))

	if maxCacheMem <= 0 {
		maxCacheMem = 50 * 1024 * 1024
	}
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1, // one attachment at a time
		MaxCacheMem:      maxCacheMem,
		MaxCacheSize:     100,
	})

	vipsInitialized = true
	vipsAvailable = true
	logging.Info("libvips initialized successfully (version: %s)", vips.Version)
	return nil
}

// vipsLogHandler maps the application level onto libvips' log level and
// returns a handler that forwards messages into our logger.
func vipsLogHandler(appLevel logging.LogLevel) (func(string, vips.LogLevel, string), vips.LogLevel) {
	forward := func(min vips.LogLevel) func(string, vips.LogLevel, string) {
		return func(domain string, level vips.LogLevel, msg string) {
			if level > min {
				return
			}
			switch level {
			case vips.LogLevelError, vips.LogLevelCritical:
				logging.Error("[%s] %s", domain, msg)
			case vips.LogLevelWarning:
				logging.Warn("[%s] %s", domain, msg)
			default:
				logging.Debug("[%s] %s", domain, msg)
			}
		}
	}

	switch appLevel {
	case logging.LevelDebug:
		return forward(vips.LogLevelDebug), vips.LogLevelInfo
	case logging.LevelInfo, logging.LevelWarn:
		return forward(vips.LogLevelWarning), vips.LogLevelWarning
	default:
		return forward(vips.LogLevelError), vips.LogLevelError
	}
}

// ShutdownVips cleans up libvips resources
func ShutdownVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		vips.Shutdown()
		vipsInitialized = false
		vipsAvailable = false
		logging.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable returns whether libvips is initialized and available
func IsVipsAvailable() bool {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()
	return vipsAvailable
}

// VipsEncoder writes WebP, AVIF and JPEG-XL through libvips.
type VipsEncoder struct{}

// Name implements Encoder.
func (VipsEncoder) Name() string { return "vips" }

// Supports implements Encoder.
func (VipsEncoder) Supports(f mediatypes.Format) bool {
	return f.IsTarget() && IsVipsAvailable()
}

// Encode implements Encoder.
func (e VipsEncoder) Encode(ctx context.Context, src, dst string, f mediatypes.Format, opts EncodeOptions) error {
	if err := ctx.Err(); err != nil {
		return codecErr(KindIOError, f, e.Name(), err)
	}
	ref, err := vips.LoadImageFromFile(src, vips.NewImportParams())
	if err != nil {
		return codecErr(KindDecodeFailed, f, e.Name(), err)
	}
	defer ref.Close()

	buf, err := exportVips(ref, f, opts)
	if err != nil {
		return codecErr(KindEncodeFailed, f, e.Name(), err)
	}
	if err := os.WriteFile(dst, buf, 0o644); err != nil {
		return codecErr(KindIOError, f, e.Name(), err)
	}
	return nil
}

func exportVips(ref *vips.ImageRef, f mediatypes.Format, opts EncodeOptions) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	switch f {
	case mediatypes.FormatWebP:
		p := vips.NewWebpExportParams()
		p.Quality = opts.Quality
		p.ReductionEffort = 4
		buf, _, err = ref.ExportWebp(p)
	case mediatypes.FormatAVIF:
		p := vips.NewAvifExportParams()
		p.Quality = opts.Quality
		p.Effort = AvifEffort(opts.AvifSpeed)
		buf, _, err = ref.ExportAvif(p)
	case mediatypes.FormatJXL:
		p := vips.NewJxlExportParams()
		p.Quality = opts.Quality
		p.Effort = opts.JxlEffort
		buf, _, err = ref.ExportJxl(p)
	case mediatypes.FormatJPEG:
		p := vips.NewJpegExportParams()
		p.Quality = opts.Quality
		buf, _, err = ref.ExportJpeg(p)
	case mediatypes.FormatPNG:
		buf, _, err = ref.ExportPng(vips.NewPngExportParams())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return buf, err
}

// AvifEffort converts an avifenc-style speed (0 slowest .. 10 fastest) into
// libvips' effort scale (0 fastest .. 9 slowest).
func AvifEffort(speed int) int {
	speed = min(max(speed, 0), 10)
	return 9 - int(math.Round(float64(speed)*9/10))
}

// vipsDimensions reads width and height through libvips, covering formats
// the standard decoders do not know (AVIF, JPEG-XL).
func vipsDimensions(path string) (Dimensions, error) {
	if !IsVipsAvailable() {
		return Dimensions{}, fmt.Errorf("libvips not available")
	}
	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		return Dimensions{}, err
	}
	defer ref.Close()
	return Dimensions{Width: ref.Width(), Height: ref.Height()}, nil
}

// vipsScale resizes src to exactly w×h and writes it to dst in format f.
func vipsScale(src, dst string, w, h int, f mediatypes.Format, opts EncodeOptions) error {
	ref, err := vips.LoadImageFromFile(src, vips.NewImportParams())
	if err != nil {
		return err
	}
	defer ref.Close()

	hscale := float64(w) / float64(ref.Width())
	vscale := float64(h) / float64(ref.Height())
	if err := ref.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return err
	}
	buf, err := exportVips(ref, f, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, buf, 0o644)
}
