// Package serial decodes, rewrites and re-encodes the serialised values found
// in host database columns: PHP serialize() payloads and JSON documents.
//
// Both codecs decode into the same ordered Value tree so Replace can
// substitute URL fragments at any depth and the result can be written back
// in its original format without reordering keys or respelling numbers.
package serial
