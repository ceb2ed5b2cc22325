// Package settings holds the operator-editable migration settings: target
// codec and quality, codec tuning, batch size, validation and auto-commit
// modes, skip filters and the bounding-box resize policy.
//
// Settings are stored as JSON in the host option "webp_migrator_settings"
// and re-read before every batch. Load and Save clamp out-of-range values;
// LoadYAMLFile is the strict path used when importing a settings file.
package settings
