package database

import (
	"fmt"
	"strconv"

	"webp-migrator/internal/serial"
)

// Host meta keys of an attachment.
const (
	KeyAttachedFile       = "_wp_attached_file"
	KeyAttachmentMetadata = "_wp_attachment_metadata"
)

// SizeInfo is one generated thumbnail.
type SizeInfo struct {
	Name     string
	File     string
	Width    int
	Height   int
	MimeType string
}

// AttachmentMetadata is the decoded size metadata. Keys it does not model
// (image_meta, filesize of sizes, plugin additions) are preserved.
type AttachmentMetadata struct {
	Width  int
	Height int
	File   string
	Sizes  []SizeInfo
	tree   *serial.Map
}

// ParseAttachmentMetadata decodes the serialised metadata. An empty string
// yields empty metadata.
func ParseAttachmentMetadata(raw string) (*AttachmentMetadata, error) {
	m := &AttachmentMetadata{tree: &serial.Map{}}
	if raw == "" {
		return m, nil
	}
	v, err := serial.DecodePHP(raw)
	if err != nil {
		return nil, fmt.Errorf("decode attachment metadata: %w", err)
	}
	tree, ok := v.(*serial.Map)
	if !ok {
		return nil, fmt.Errorf("decode attachment metadata: not an array")
	}
	m.tree = tree
	m.Width = intValue(tree, "width")
	m.Height = intValue(tree, "height")
	m.File = stringValue(tree, "file")

	if sv, ok := tree.Get("sizes"); ok {
		if sizes, ok := sv.(*serial.Map); ok {
			for _, e := range sizes.Entries {
				sm, ok := e.Value.(*serial.Map)
				if !ok {
					continue
				}
				m.Sizes = append(m.Sizes, SizeInfo{
					Name:     e.Key,
					File:     stringValue(sm, "file"),
					Width:    intValue(sm, "width"),
					Height:   intValue(sm, "height"),
					MimeType: stringValue(sm, "mime-type"),
				})
			}
		}
	}
	return m, nil
}

// Size returns the named thumbnail.
func (m *AttachmentMetadata) Size(name string) (SizeInfo, bool) {
	for _, s := range m.Sizes {
		if s.Name == name {
			return s, true
		}
	}
	return SizeInfo{}, false
}

// Clone returns a deep copy that can be modified independently.
func (m *AttachmentMetadata) Clone() *AttachmentMetadata {
	raw, err := m.Encode()
	if err == nil {
		if c, err := ParseAttachmentMetadata(raw); err == nil {
			return c
		}
	}
	c := *m
	c.Sizes = append([]SizeInfo(nil), m.Sizes...)
	c.tree = &serial.Map{}
	return &c
}

// SetFileSize records the main file size when the host tracks it.
func (m *AttachmentMetadata) SetFileSize(n int64) {
	if _, ok := m.tree.Get("filesize"); ok {
		m.tree.Set("filesize", serial.Number(strconv.FormatInt(n, 10)))
	}
}

// Encode serialises the metadata, keeping unknown keys in place.
func (m *AttachmentMetadata) Encode() (string, error) {
	tree := m.tree
	if tree == nil {
		tree = &serial.Map{}
	}
	tree.Set("width", serial.Number(strconv.Itoa(m.Width)))
	tree.Set("height", serial.Number(strconv.Itoa(m.Height)))
	tree.Set("file", serial.String(m.File))

	sizes := &serial.Map{}
	for _, s := range m.Sizes {
		sizes.Set(s.Name, &serial.Map{Entries: []serial.Entry{
			{Key: "file", Value: serial.String(s.File)},
			{Key: "width", Value: serial.Number(strconv.Itoa(s.Width))},
			{Key: "height", Value: serial.Number(strconv.Itoa(s.Height))},
			{Key: "mime-type", Value: serial.String(s.MimeType)},
		}})
	}
	tree.Set("sizes", sizes)
	m.tree = tree
	return serial.EncodePHP(tree)
}

func intValue(m *serial.Map, key string) int {
	v, ok := m.Get(key)
	if !ok {
		return 0
	}
	var s string
	switch t := v.(type) {
	case serial.Number:
		s = string(t)
	case serial.String:
		s = string(t)
	default:
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func stringValue(m *serial.Map, key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	if s, ok := v.(serial.String); ok {
		return string(s)
	}
	return ""
}
