// Package integrity binds ciphertext to its metadata descriptor through
// a SHA-256 digest over the full ciphertext byte stream.
//
// The digest is computed once at encryption time and recorded in the
// metadata descriptor as lowercase hex. Before decryption the digest is
// recomputed over the received ciphertext and compared; on mismatch the
// decryption is refused outright, producing no plaintext and consuming
// no pad material. SHA-256 is part of the metadata wire format shared
// between the communicating parties and is not negotiable per vault.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// ErrMismatch indicates the ciphertext digest does not match the digest
// recorded in the metadata descriptor. This is never retried; it signals
// corruption or tampering that requires out-of-band investigation.
var ErrMismatch = errors.New("ciphertext integrity check failed")

// DigestSize is the digest length in bytes.
const DigestSize = sha256.Size

// NewDigest returns a running digest. Encryption tees ciphertext through
// it so the hash is available the moment the stream completes.
func NewDigest() hash.Hash {
	return sha256.New()
}

// Encode renders a finished digest as the lowercase hex form stored in
// metadata descriptors.
func Encode(sum []byte) string {
	return hex.EncodeToString(sum)
}

// SumReader consumes r and returns the hex digest of everything read.
func SumReader(r io.Reader) (string, error) {
	h := NewDigest()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing stream: %w", err)
	}
	return Encode(h.Sum(nil)), nil
}

// VerifyReader consumes r and compares its digest against wantHex,
// returning ErrMismatch if they differ. The comparison is constant-time;
// the digest values themselves are not secret, but there is no reason to
// leak match prefixes either.
func VerifyReader(r io.Reader, wantHex string) error {
	want, err := hex.DecodeString(wantHex)
	if err != nil || len(want) != DigestSize {
		return fmt.Errorf("%w: malformed expected digest %q", ErrMismatch, wantHex)
	}

	h := NewDigest()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("hashing stream: %w", err)
	}
	got := h.Sum(nil)

	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("%w: computed %s, expected %s", ErrMismatch, Encode(got), wantHex)
	}
	return nil
}
