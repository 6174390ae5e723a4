package validation

import (
	"bytes"
	"io"
	"unicode/utf8"
)

// Kind is what the leading bytes of a payload look like.
type Kind string

const (
	KindUnknown Kind = ""
	KindRaster  Kind = "raster"
	KindVector  Kind = "vector"
	KindArchive Kind = "archive"
)

var rasterMagic = [][]byte{
	{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, // PNG
	{0xFF, 0xD8, 0xFF},                               // JPEG
	{0x47, 0x49, 0x46, 0x38},                         // GIF
	{0x49, 0x49, 0x2A, 0x00},                         // TIFF, little endian
	{0x4D, 0x4D, 0x00, 0x2A},                         // TIFF, big endian
	{0x49, 0x49, 0x2B, 0x00},                         // BigTIFF
}

var archiveMagic = [][]byte{
	{0x1f, 0x8b},             // gzip
	{0x50, 0x4B, 0x03, 0x04}, // zip
}

const sniffLen = 512

// DetectKind reads the head of r and rewinds it. GeoJSON and other
// UTF-8 text (CSV) count as vector.
func DetectKind(r io.ReadSeeker) (Kind, error) {
	buffer := make([]byte, sniffLen)
	n, err := io.ReadFull(r, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return KindUnknown, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return KindUnknown, err
	}
	return kindOf(buffer[:n]), nil
}

func kindOf(head []byte) Kind {
	for _, sig := range rasterMagic {
		if bytes.HasPrefix(head, sig) {
			return KindRaster
		}
	}
	if isBMP(head) {
		return KindRaster
	}
	for _, sig := range archiveMagic {
		if bytes.HasPrefix(head, sig) {
			return KindArchive
		}
	}
	if len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")) {
		return KindArchive
	}
	if isText(head) {
		return KindVector
	}
	return KindUnknown
}

// isBMP checks the signature and the reserved header words, which are
// zero in every BMP file.
func isBMP(head []byte) bool {
	return len(head) >= 14 && head[0] == 'B' && head[1] == 'M' &&
		bytes.Equal(head[6:10], []byte{0, 0, 0, 0})
}

// isText tolerates a rune cut at the end of the sniffed window.
func isText(b []byte) bool {
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	if len(bytes.TrimSpace(b)) == 0 {
		return false
	}
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return len(b) < utf8.UTFMax && !utf8.FullRune(b)
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
		b = b[size:]
	}
	return true
}

// Compatible reports whether a payload of kind k can be a source of
// srcType. Archives and unrecognised payloads are left to the
// transformer.
func Compatible(k Kind, srcType string) bool {
	switch k {
	case KindRaster, KindVector:
		return string(k) == srcType
	}
	return true
}
