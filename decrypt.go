package otpvault

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/cipher"
	"github.com/opd-ai/otpvault/integrity"
	"github.com/opd-ai/otpvault/segment"
)

// DecryptOptions adjusts the decrypt flow.
type DecryptOptions struct {
	// SkipIntegrityCheck disables ciphertext hash verification, for
	// metadata reconstructed by hand (pad id, offset, and length known
	// but no recorded hash). Corruption then goes undetected; the
	// decryption still refuses to touch key material that conflicts
	// with prior usage.
	SkipIntegrityCheck bool
}

// Decrypt verifies the ciphertext in src against meta, XORs it with the
// pad segment the metadata names, writes the plaintext to dst, and
// marks the segment used in this vault's state so a receiving vault
// stays synchronized with the sender's.
//
// Integrity is checked before a single plaintext byte is produced and
// before any pad material is consumed; a mismatch fails with
// ErrIntegrityCheckFailed and changes nothing. Replaying a decrypt
// whose exact segment is already recorded is idempotent; a partial
// overlap with different prior usage is a reuse violation and fails
// with ErrSegmentOverlap before any output.
//
// src must be seekable because the ciphertext is read twice: once for
// the hash pass, once for the transform. Callers holding a pure stream
// spool it to disk first.
func (v *Vault) Decrypt(dst io.Writer, src io.ReadSeeker, meta *Metadata, opts *DecryptOptions) error {
	if err := meta.validate(); err != nil {
		return err
	}
	if opts == nil {
		opts = &DecryptOptions{}
	}

	start, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locating ciphertext stream position: %w", err)
	}

	if !opts.SkipIntegrityCheck {
		if meta.CiphertextHash == "" {
			return fmt.Errorf("%w: metadata has no ciphertext hash", ErrIntegrityCheckFailed)
		}
		// The digest covers the entire received ciphertext stream, so a
		// truncated or padded stream fails here too.
		if err := integrity.VerifyReader(src, meta.CiphertextHash); err != nil {
			return err
		}
		if _, err := src.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding ciphertext stream: %w", err)
		}
	}

	seg := segment.New(meta.StartByte, meta.Length)
	replay, err := v.prepareDecrypt(meta.PadID, seg)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Decrypt",
		"pad_id":   meta.PadID,
		"segment":  seg.String(),
		"replay":   replay,
	}).Info("Decrypting against pad segment")

	padSrc, err := v.pads.OpenRange(meta.PadID, seg.Start, seg.Length())
	if err != nil {
		if !replay {
			v.reserved.release(meta.PadID, seg)
		}
		return err
	}
	defer padSrc.Close()

	written, err := cipher.Process(dst, io.LimitReader(src, int64(meta.Length)), padSrc)
	if err != nil {
		if !replay {
			v.reserved.release(meta.PadID, seg)
		}
		return err
	}
	if uint64(written) != meta.Length {
		if !replay {
			v.reserved.release(meta.PadID, seg)
		}
		return fmt.Errorf("ciphertext ended after %d of %d bytes", written, meta.Length)
	}

	if _, err := v.finishCommit(meta.PadID, seg, true); err != nil {
		return err
	}
	return nil
}

// prepareDecrypt checks the segment named by the metadata against this
// vault's state under the vault mutex. An exactly matching recorded
// segment means a replay (safe, nothing to reserve); a free range is
// reserved for the duration of the stream; anything else is a reuse
// violation or bounds error.
func (v *Vault) prepareDecrypt(padID string, seg segment.Segment) (replay bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.state.Snapshot(padID)
	if err != nil {
		return false, err
	}

	for _, existing := range rec.UsedSegments {
		if existing.Equal(seg) {
			return true, nil
		}
	}

	occupied := append([]segment.Segment{}, rec.UsedSegments...)
	occupied = append(occupied, v.reserved.segmentsFor(padID)...)
	if err := segment.CheckFree(occupied, seg, rec.Size); err != nil {
		return false, fmt.Errorf("pad %s: %w", padID, err)
	}

	v.reserved.add(padID, seg)
	return false, nil
}
