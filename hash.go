package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a fingerprint digest in bytes (256 bits).
const HashSize = 32

// Hash represents a 256-bit fingerprint digest.
type Hash [HashSize]byte

// Algorithm identifies the digest used to fingerprint assets.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha256"
	AlgBLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is the digest used when none is configured.
const DefaultAlgorithm = AlgSHA256

// ParseAlgorithm parses an algorithm name. The name is case-insensitive.
// An empty name selects DefaultAlgorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "":
		return DefaultAlgorithm, nil
	case AlgSHA256:
		return AlgSHA256, nil
	case AlgBLAKE3:
		return AlgBLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q", s)
	}
}

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("decoding hash: %w", err)
	}
	return h, nil
}

// IsFingerprint reports whether name is an asset name produced by
// fingerprinting, as opposed to a symbolic name such as "default".
func IsFingerprint(name string) bool {
	h, err := ParseHash(name)
	return err == nil && h.String() == name
}

// HashBytes computes the digest of data with the given algorithm.
// Unknown algorithms fall back to DefaultAlgorithm.
func HashBytes(alg Algorithm, data []byte) Hash {
	switch alg {
	case AlgBLAKE3:
		return Hash(blake3.Sum256(data))
	default:
		return Hash(sha256.Sum256(data))
	}
}
