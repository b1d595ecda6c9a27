// Package hash provides deterministic content fingerprinting for Crucible.
//
// A Hash is a 32-byte BLAKE3 digest: a value type, trivially copyable,
// with a canonical 64-char lowercase-hex encoding and a total order. The
// zero Hash (all zero bytes) is a valid in-band sentinel meaning "not yet
// computed" — callers must not confuse it with the hash of an empty byte
// slice, which is a different, non-zero value.
//
// Reference: spec.md §3 Data Model ("Content hash"), §4.1 Content Hasher
package hash

import (
	"bytes"
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"

	"crucible/pkg/errkind"
)

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is a 32-byte content digest with a total order and a canonical
// 64-char lowercase-hex encoding.
type Hash [Size]byte

// Zero is the distinguished sentinel meaning "hash not yet computed".
var Zero Hash

// IsZero reports whether h is the zero sentinel.
func (h Hash) IsZero() bool {
	return h == Zero
}

// String returns the canonical lowercase-hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the underlying 32 bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// Compare returns -1, 0, or 1 as h is less than, equal to, or greater
// than other, establishing the Hash total order.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// FromHex decodes a canonical 64-char lowercase-hex string into a Hash.
// It fails with errkind.InvalidHex if the length is wrong or a non-hex
// byte is present.
func FromHex(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, errkind.New(errkind.InvalidHex, "hash hex must be 64 characters, got "+strconv.Itoa(len(s)))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, errkind.Wrap(errkind.InvalidHex, "hash hex contains non-hex byte", err)
	}
	copy(h[:], decoded)
	return h, nil
}

// AlgorithmName identifies the hashing algorithm this package uses.
// Recorded in persisted fingerprint metadata alongside every hash.
const AlgorithmName = "blake3"

// Hasher computes deterministic content hashes. Implementations MUST NOT
// incorporate timestamps, paths, or any other ambient state — hash(x) ==
// hash(y) if and only if x == y for any two byte sequences.
type Hasher interface {
	// Hash returns the content hash of b.
	Hash(b []byte) Hash

	// AlgorithmName identifies the algorithm recorded in persisted
	// fingerprint metadata.
	AlgorithmName() string
}

// BLAKE3Hasher is the sole production Hasher. SHA-256 is reserved as a
// future algorithm slot: requesting it via Select falls back to
// BLAKE3 today and logs a warning through the supplied warn callback,
// while still recording the requested algorithm name so downstream code
// can distinguish a deliberate BLAKE3 selection from a SHA-256 fallback.
type BLAKE3Hasher struct{}

// NewHasher returns the production BLAKE3 hasher.
func NewHasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// Hash implements Hasher.
func (BLAKE3Hasher) Hash(b []byte) Hash {
	digest := blake3.Sum256(b)
	return Hash(digest)
}

// AlgorithmName implements Hasher.
func (BLAKE3Hasher) AlgorithmName() string {
	return AlgorithmName
}

var _ Hasher = BLAKE3Hasher{}

// Selection resolves a requested algorithm name to the Hasher that will
// actually be used, along with a FallbackFrom value that is non-empty
// only when the request was downgraded (Select reports each such
// fallback through its warn callback).
//
// Today the only recognized names are "blake3" (used as requested) and
// "sha256" (falls back to BLAKE3 — see spec.md §4.1, §9). Any other name
// is a Configuration error: Crucible never silently substitutes an
// unrecognized algorithm.
type Selection struct {
	Hasher       Hasher
	Requested    string
	FallbackFrom string // set to "sha256" when a sha256 request fell back
}

// WarnFunc receives a human-readable warning when a requested algorithm
// falls back to another. Callers typically wire this to a zap.Logger.
type WarnFunc func(message string)

// Select resolves requested to a Selection. warn is called (if non-nil)
// exactly when a fallback occurs.
func Select(requested string, warn WarnFunc) (Selection, error) {
	switch requested {
	case "", AlgorithmName:
		return Selection{Hasher: NewHasher(), Requested: AlgorithmName}, nil
	case "sha256":
		if warn != nil {
			warn("hash algorithm \"sha256\" is reserved for future use; falling back to blake3")
		}
		return Selection{Hasher: NewHasher(), Requested: "sha256", FallbackFrom: "sha256"}, nil
	default:
		return Selection{}, errkind.New(errkind.Configuration, "unrecognized hash algorithm: "+requested)
	}
}
