// Package mediatypes is the dependency-free registry of image formats the
// migrator understands: names, MIME types and file extensions, and the
// subset that can be used as a conversion target.
//
// It is imported by both the codec layer and the host database layer, so it
// must not depend on either.
//
//	f := mediatypes.FormatForPath("2025/08/hero.jpg") // FormatJPEG
//	f.Mime()                                         // "image/jpeg"
//	mediatypes.FormatWebP.Extension()                // "webp"
package mediatypes
