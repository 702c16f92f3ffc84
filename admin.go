package otpvault

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/segment"
	"github.com/opd-ai/otpvault/state"
)

// Status summarizes a vault's pads and byte usage.
type Status struct {
	TotalPads     int
	AvailablePads int
	TotalBytes    uint64
	UsedBytes     uint64
}

// PadInfo describes one pad for listing.
type PadInfo struct {
	PadID        string
	Size         uint64
	Status       state.Status
	UsedSegments []segment.Segment
}

// Status returns vault-wide totals from a consistent snapshot of the
// state record. No lock is taken; callers feeding the numbers into a
// mutation must not assume they are still current.
func (v *Vault) Status() (*Status, error) {
	snapshot, err := v.state.Load()
	if err != nil {
		return nil, err
	}

	st := &Status{TotalPads: len(snapshot.Pads)}
	for _, rec := range snapshot.Pads {
		if rec.Status == state.StatusAvailable {
			st.AvailablePads++
		}
		st.TotalBytes += rec.Size
		st.UsedBytes += rec.UsedBytes()
	}
	return st, nil
}

// ListPads returns every pad's record, ordered by ascending identifier.
func (v *Vault) ListPads() ([]PadInfo, error) {
	snapshot, err := v.state.Load()
	if err != nil {
		return nil, err
	}

	infos := make([]PadInfo, 0, len(snapshot.Pads))
	for _, id := range sortedPadIDs(snapshot.Pads) {
		rec := snapshot.Pads[id]
		infos = append(infos, PadInfo{
			PadID:        id,
			Size:         rec.Size,
			Status:       rec.Status,
			UsedSegments: rec.UsedSegments,
		})
	}
	return infos, nil
}

// GeneratePad creates a new pad of sizeBytes cryptographically random
// bytes, registers it in the state record, and returns its identifier.
func (v *Vault) GeneratePad(sizeBytes uint64) (string, error) {
	padID, err := v.pads.Generate(sizeBytes)
	if err != nil {
		return "", err
	}
	if err := v.state.AddPad(padID, sizeBytes); err != nil {
		// The unregistered pad file is useless; drop it rather than
		// leaving an orphan the state record knows nothing about.
		if rmErr := v.pads.Remove(padID); rmErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "GeneratePad",
				"pad_id":   padID,
				"error":    rmErr,
			}).Warn("Failed to remove orphaned pad file")
		}
		return "", err
	}
	return padID, nil
}

// ImportPad installs externally supplied pad material (a counterpart's
// exported pad) under its original identifier, so both vaults name the
// same bytes.
func (v *Vault) ImportPad(padID string, r io.Reader, sizeBytes uint64) error {
	if padID == "" {
		return fmt.Errorf("pad id must not be empty")
	}
	if err := v.pads.Import(padID, r, sizeBytes); err != nil {
		return err
	}
	if err := v.state.AddPad(padID, sizeBytes); err != nil {
		if rmErr := v.pads.Remove(padID); rmErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ImportPad",
				"pad_id":   padID,
				"error":    rmErr,
			}).Warn("Failed to remove orphaned pad file")
		}
		return err
	}
	return nil
}

// ExportPad streams the pad's raw bytes to w for out-of-band transfer
// to a counterpart vault. Exporting does not consume anything.
func (v *Vault) ExportPad(w io.Writer, padID string) error {
	if _, err := v.state.Snapshot(padID); err != nil {
		return err
	}
	_, err := v.pads.Export(w, padID)
	return err
}

// DeletePad removes a pad's raw bytes and its state record. It refuses
// with ErrPadInUse when the pad has recorded usage, since deletion
// makes every ciphertext produced from it permanently undecryptable;
// PurgePad is the explicit override.
func (v *Vault) DeletePad(padID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.state.Snapshot(padID)
	if err != nil {
		return err
	}
	if len(rec.UsedSegments) > 0 {
		return fmt.Errorf("%w: pad %s has %d used segments", ErrPadInUse, padID, len(rec.UsedSegments))
	}
	if len(v.reserved.segmentsFor(padID)) > 0 {
		return fmt.Errorf("%w: pad %s has in-flight reservations", ErrPadInUse, padID)
	}

	return v.removePad(padID)
}

// PurgePad removes a pad's raw bytes and state record regardless of
// recorded usage. Ciphertexts depending on the pad become permanently
// undecryptable.
func (v *Vault) PurgePad(padID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.state.Snapshot(padID); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "PurgePad",
		"pad_id":   padID,
	}).Warn("Purging pad with possible recorded usage")

	return v.removePad(padID)
}

// removePad drops the record first, then the file: an orphaned file is
// recoverable garbage, a record pointing at missing bytes is not.
func (v *Vault) removePad(padID string) error {
	if err := v.state.RemovePad(padID); err != nil {
		return err
	}
	if err := v.pads.Remove(padID); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "removePad",
		"pad_id":   padID,
	}).Info("Deleted pad")

	return nil
}

// Clear purges every pad and resets the state record to empty. The
// vault remains initialized and usable.
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	snapshot, err := v.state.Load()
	if err != nil {
		return err
	}
	for id := range snapshot.Pads {
		if err := v.pads.Remove(id); err != nil {
			return err
		}
	}
	if err := v.state.Reset(); err != nil {
		return err
	}
	v.reserved = newReservationTable(v.opts.ReservationTTL)

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"vault":    v.dir,
	}).Info("Cleared vault")

	return nil
}
