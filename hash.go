package simpledatastore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a content hash in bytes (128 bits).
const HashSize = md5.Size

// Hash is the MD5 digest of an object's content. It is embedded in the
// object's filename and is used for validation only, never for security.
type Hash [HashSize]byte

// String returns the lowercase hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashLines computes the content hash of an object.
//
// Lines are concatenated with no separator and hashed as UTF-8 bytes. The
// procedure must not change: persisted filenames are verified against it.
func HashLines(lines []string) Hash {
	h := md5.New()
	for _, line := range lines {
		_, _ = io.WriteString(h, line)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// DigestSize is the size of a state digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 fingerprint of a whole store state.
type Digest [DigestSize]byte

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for display.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// StateDigest fingerprints a store from its raw ledger lines and the names
// of its content files. Both inputs are sorted first so the digest does not
// depend on ledger line order or directory listing order.
func StateDigest(ledgerLines, fileNames []string) Digest {
	entries := append([]string(nil), ledgerLines...)
	names := append([]string(nil), fileNames...)
	sort.Strings(entries)
	sort.Strings(names)

	h := blake3.New()
	_, _ = io.WriteString(h, "ledger\n")
	_, _ = io.WriteString(h, strings.Join(entries, "\n"))
	_, _ = io.WriteString(h, "\nfiles\n")
	_, _ = io.WriteString(h, strings.Join(names, "\n"))

	var d Digest
	h.Sum(d[:0])
	return d
}
