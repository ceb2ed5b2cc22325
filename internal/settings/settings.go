package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"webp-migrator/internal/logging"

	"gopkg.in/yaml.v3"
)

// OptionName is the host option row that stores the settings JSON.
const OptionName = "webp_migrator_settings"

// Target formats.
const (
	FormatWebP = "webp"
	FormatAVIF = "avif"
	FormatJXL  = "jxl"
)

// Bounding-box modes.
const (
	BBoxMax = "max"
	BBoxMin = "min"
)

// Limits applied by Normalize and checked by Validate.
const (
	MinQuality   = 1
	MaxQuality   = 100
	MinAvifSpeed = 0
	MaxAvifSpeed = 10
	MinJxlEffort = 1
	MaxJxlEffort = 9
	MinBatchSize = 1
	MaxBatchSize = 1000
)

// ErrInvalid wraps every configuration error returned by Validate.
var ErrInvalid = errors.New("invalid settings")

// BoundingBox is the optional resize policy.
type BoundingBox struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Mode    string `json:"mode" yaml:"mode"`
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
}

// Settings is the operator-editable migration configuration. It is reloaded
// from the host before every batch.
type Settings struct {
	TargetFormat            string      `json:"target_format" yaml:"target_format"`
	WebPQuality             int         `json:"webp_quality" yaml:"webp_quality"`
	AVIFQuality             int         `json:"avif_quality" yaml:"avif_quality"`
	JXLQuality              int         `json:"jxl_quality" yaml:"jxl_quality"`
	AVIFSpeed               int         `json:"avif_speed" yaml:"avif_speed"`
	JXLEffort               int         `json:"jxl_effort" yaml:"jxl_effort"`
	BatchSize               int         `json:"batch_size" yaml:"batch_size"`
	ValidationMode          bool        `json:"validation_mode" yaml:"validation_mode"`
	AutoCommit              bool        `json:"auto_commit" yaml:"auto_commit"`
	SkipFolders             []string    `json:"skip_folders" yaml:"skip_folders"`
	SkipMimes               []string    `json:"skip_mimes" yaml:"skip_mimes"`
	BoundingBox             BoundingBox `json:"bounding_box" yaml:"bounding_box"`
	CheckFilenameDimensions bool        `json:"check_filename_dimensions" yaml:"check_filename_dimensions"`
}

// Default returns the settings used when nothing has been saved yet.
func Default() Settings {
	return Settings{
		TargetFormat:   FormatWebP,
		WebPQuality:    75,
		AVIFQuality:    60,
		JXLQuality:     80,
		AVIFSpeed:      6,
		JXLEffort:      7,
		BatchSize:      10,
		ValidationMode: true,
		SkipFolders:    []string{},
		SkipMimes:      []string{},
		BoundingBox: BoundingBox{
			Mode:   BBoxMax,
			Width:  2560,
			Height: 2560,
		},
	}
}

// Formats lists the supported target formats.
func Formats() []string {
	return []string{FormatWebP, FormatAVIF, FormatJXL}
}

// Quality returns the configured quality for the current target format.
func (s Settings) Quality() int {
	return s.QualityFor(s.TargetFormat)
}

// QualityFor returns the configured quality for format.
func (s Settings) QualityFor(format string) int {
	switch format {
	case FormatAVIF:
		return s.AVIFQuality
	case FormatJXL:
		return s.JXLQuality
	default:
		return s.WebPQuality
	}
}

// SetQuality stores q as the quality of the current target format.
func (s *Settings) SetQuality(q int) {
	switch s.TargetFormat {
	case FormatAVIF:
		s.AVIFQuality = q
	case FormatJXL:
		s.JXLQuality = q
	default:
		s.WebPQuality = q
	}
}

// Normalize clamps every numeric field into range and canonicalizes lists.
// Unknown formats and modes fall back to their defaults.
func (s *Settings) Normalize() {
	def := Default()
	s.TargetFormat = strings.ToLower(strings.TrimSpace(s.TargetFormat))
	if !slices.Contains(Formats(), s.TargetFormat) {
		s.TargetFormat = def.TargetFormat
	}
	s.WebPQuality = clamp(s.WebPQuality, MinQuality, MaxQuality)
	s.AVIFQuality = clamp(s.AVIFQuality, MinQuality, MaxQuality)
	s.JXLQuality = clamp(s.JXLQuality, MinQuality, MaxQuality)
	s.AVIFSpeed = clamp(s.AVIFSpeed, MinAvifSpeed, MaxAvifSpeed)
	s.JXLEffort = clamp(s.JXLEffort, MinJxlEffort, MaxJxlEffort)
	s.BatchSize = clamp(s.BatchSize, MinBatchSize, MaxBatchSize)
	s.SkipFolders = cleanList(s.SkipFolders)
	s.SkipMimes = cleanList(s.SkipMimes)

	s.BoundingBox.Mode = strings.ToLower(strings.TrimSpace(s.BoundingBox.Mode))
	if s.BoundingBox.Mode != BBoxMax && s.BoundingBox.Mode != BBoxMin {
		s.BoundingBox.Mode = def.BoundingBox.Mode
	}
	s.BoundingBox.Width = max(s.BoundingBox.Width, 0)
	s.BoundingBox.Height = max(s.BoundingBox.Height, 0)
	if s.BoundingBox.Enabled && (s.BoundingBox.Width == 0 || s.BoundingBox.Height == 0) {
		logging.Warn("Bounding box enabled without both dimensions; disabling")
		s.BoundingBox.Enabled = false
	}
}

// Validate reports the first out-of-range value instead of clamping it.
func (s Settings) Validate() error {
	if !slices.Contains(Formats(), s.TargetFormat) {
		return fmt.Errorf("%w: format must be one of %s, got %q", ErrInvalid, strings.Join(Formats(), ", "), s.TargetFormat)
	}
	checks := []struct {
		name     string
		val      int
		min, max int
	}{
		{"webp_quality", s.WebPQuality, MinQuality, MaxQuality},
		{"avif_quality", s.AVIFQuality, MinQuality, MaxQuality},
		{"jxl_quality", s.JXLQuality, MinQuality, MaxQuality},
		{"avif_speed", s.AVIFSpeed, MinAvifSpeed, MaxAvifSpeed},
		{"jxl_effort", s.JXLEffort, MinJxlEffort, MaxJxlEffort},
		{"batch_size", s.BatchSize, MinBatchSize, MaxBatchSize},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return fmt.Errorf("%w: %s must be %d..%d, got %d", ErrInvalid, c.name, c.min, c.max, c.val)
		}
	}
	if s.BoundingBox.Mode != BBoxMax && s.BoundingBox.Mode != BBoxMin {
		return fmt.Errorf("%w: bounding_box.mode must be max or min, got %q", ErrInvalid, s.BoundingBox.Mode)
	}
	if s.BoundingBox.Enabled && (s.BoundingBox.Width <= 0 || s.BoundingBox.Height <= 0) {
		return fmt.Errorf("%w: bounding_box needs positive width and height", ErrInvalid)
	}
	return nil
}

// OptionStore is the host capability settings are persisted through.
type OptionStore interface {
	GetOption(ctx context.Context, name string) (string, bool, error)
	UpdateOption(ctx context.Context, name, value string) error
}

// Load reads the stored settings over the defaults and normalizes them.
// A missing or unreadable option yields the defaults.
func Load(ctx context.Context, store OptionStore) (Settings, error) {
	s := Default()
	raw, ok, err := store.GetOption(ctx, OptionName)
	if err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}
	if ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			logging.Warn("Stored settings are not valid JSON, using defaults: %v", err)
			s = Default()
		}
	}
	s.Normalize()
	return s, nil
}

// Save normalizes s and writes it to the host option.
func Save(ctx context.Context, store OptionStore, s Settings) (Settings, error) {
	s.Normalize()
	data, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := store.UpdateOption(ctx, OptionName, string(data)); err != nil {
		return s, fmt.Errorf("failed to save settings: %w", err)
	}
	return s, nil
}

// LoadYAMLFile reads a settings file over the defaults and validates it
// strictly. Unknown keys are rejected.
func LoadYAMLFile(path string) (Settings, error) {
	s := Default()
	f, err := os.Open(path)
	if err != nil {
		return s, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	s.TargetFormat = strings.ToLower(strings.TrimSpace(s.TargetFormat))
	s.BoundingBox.Mode = strings.ToLower(strings.TrimSpace(s.BoundingBox.Mode))
	if err := s.Validate(); err != nil {
		return s, err
	}
	s.SkipFolders = cleanList(s.SkipFolders)
	s.SkipMimes = cleanList(s.SkipMimes)
	return s, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || slices.Contains(out, item) {
			continue
		}
		out = append(out, item)
	}
	return out
}
