// Package media holds the image capabilities the migration pipeline needs:
// encoding into the target codecs, in-place resizing, and cheap probes.
//
// The codec Adapter tries libvips first (when InitVips succeeded) and falls
// back to the native encoders: libwebp bindings for WebP and the avifenc,
// ffmpeg and cjxl tools for AVIF and JPEG-XL.
//
// ResizeInPlace writes to a temp file next to the target, verifies the
// decoded dimensions within one pixel and only then renames it over the
// target, so readers see either the old image or the complete new one.
package media
