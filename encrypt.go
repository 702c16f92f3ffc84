package otpvault

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/cipher"
	"github.com/opd-ai/otpvault/integrity"
)

// EncryptOptions narrows how the pad segment for an encryption is
// chosen. The zero value (or nil) means auto mode: the lowest-ID
// available pad with a first-fit hole of the requested length.
type EncryptOptions struct {
	// PadID pins the encryption to one pad instead of auto-selecting.
	PadID string

	// Offset requests an explicit start byte within the pinned pad, for
	// parties that agree on ranges out-of-band. The request is validated
	// exactly; it is never shifted to a nearby free range. Requires
	// PadID.
	Offset *uint64
}

func encryptParams(opts *EncryptOptions) (padID string, offset *uint64) {
	if opts == nil {
		return "", nil
	}
	return opts.PadID, opts.Offset
}

// Encrypt reads exactly length bytes of plaintext from src, XORs them
// against a freshly allocated pad segment, writes the ciphertext to
// dst, and returns the metadata descriptor the decrypting party needs.
//
// The flow preserves the all-or-nothing property: the segment is only
// reserved, not committed, while the stream runs; the state commit is
// the final step. If any step fails, or the caller abandons the
// stream, no pad bytes have been recorded as used. The ciphertext
// written to dst before a failure is garbage the caller discards.
func (v *Vault) Encrypt(dst io.Writer, src io.Reader, length uint64, opts *EncryptOptions) (*Metadata, error) {
	padID, offset := encryptParams(opts)

	id, seg, err := v.allocate(length, padID, offset)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Encrypt",
		"pad_id":   id,
		"segment":  seg.String(),
	}).Info("Encrypting against pad segment")

	padSrc, err := v.pads.OpenRange(id, seg.Start, seg.Length())
	if err != nil {
		v.reserved.release(id, seg)
		return nil, err
	}
	defer padSrc.Close()

	// Tee ciphertext through the digest so the hash is ready the moment
	// the stream completes, without a second pass.
	digest := integrity.NewDigest()
	written, err := cipher.Process(io.MultiWriter(dst, digest), io.LimitReader(src, int64(length)), padSrc)
	if err != nil {
		v.reserved.release(id, seg)
		return nil, err
	}
	if uint64(written) != length {
		v.reserved.release(id, seg)
		return nil, fmt.Errorf("plaintext ended after %d of %d bytes", written, length)
	}

	if _, err := v.finishCommit(id, seg, false); err != nil {
		return nil, err
	}

	meta := &Metadata{
		PadID:          id,
		StartByte:      seg.Start,
		Length:         length,
		CiphertextHash: integrity.Encode(digest.Sum(nil)),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Encrypt",
		"pad_id":   id,
		"segment":  seg.String(),
		"hash":     meta.CiphertextHash,
	}).Info("Encryption committed")

	return meta, nil
}
