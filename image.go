package assetcache

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// DataURIPrefix is prepended to the base64 image payload sent to the remote store.
const DataURIPrefix = "data:image/png;base64,"

// Header layout used by ValidateSquare. Width and height are big-endian
// uint32 values, which matches the IHDR chunk of a PNG file.
const (
	widthOffset  = 16
	heightOffset = 20
	headerSize   = heightOffset + 4
)

var (
	// ErrFileUnreadable is returned when a local image cannot be read.
	ErrFileUnreadable = errors.New("image file unreadable")

	// ErrInvalidImageShape is returned when an image header is too short or
	// declares a width that differs from its height.
	ErrInvalidImageShape = errors.New("invalid image shape")
)

// ReadImage reads the image at path. Any failure wraps ErrFileUnreadable.
func ReadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileUnreadable, err)
	}
	return data, nil
}

// Dimensions returns the width and height declared in the image header.
func Dimensions(data []byte) (width, height uint32, err error) {
	if len(data) < headerSize {
		return 0, 0, fmt.Errorf("%w: header is %d bytes, need %d", ErrInvalidImageShape, len(data), headerSize)
	}
	width = binary.BigEndian.Uint32(data[widthOffset:])
	height = binary.BigEndian.Uint32(data[heightOffset:])
	return width, height, nil
}

// ValidateSquare checks that the image header declares equal width and height.
// This is a structural check only; the payload is not decoded.
func ValidateSquare(data []byte) error {
	width, height, err := Dimensions(data)
	if err != nil {
		return err
	}
	if width != height {
		return fmt.Errorf("%w: %dx%d is not square", ErrInvalidImageShape, width, height)
	}
	return nil
}

// DataURI encodes raw image bytes as a base64 data URI.
func DataURI(data []byte) string {
	return DataURIPrefix + base64.StdEncoding.EncodeToString(data)
}

// Fingerprint returns the default-algorithm fingerprint of an image.
func Fingerprint(data []byte) Hash {
	return FingerprintWith(DefaultAlgorithm, data)
}

// FingerprintWith returns the fingerprint of an image using alg.
//
// The digest is taken over the data URI string rather than the raw bytes so
// that names already stored remotely keep matching.
func FingerprintWith(alg Algorithm, data []byte) Hash {
	return FingerprintURI(alg, DataURI(data))
}

// FingerprintURI returns the fingerprint of an already encoded data URI.
func FingerprintURI(alg Algorithm, uri string) Hash {
	return HashBytes(alg, []byte(uri))
}
