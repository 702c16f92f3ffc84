// Package state owns the persisted record of which byte ranges of each
// pad have been consumed. This record is the system's single piece of
// mutable state, and its invariants are the system's entire security
// property: a segment recorded twice, or a segment past pad bounds,
// means pad bytes were (or could be) reused.
//
// The record is one JSON file, vault_state.json, rewritten atomically on
// every commit: the new record is written to a temporary file, synced,
// and renamed over the old one, so a crash leaves either the old record
// or the new record intact, never a torn mix. A BLAKE2b-256 checksum
// over the pad table is embedded in the file and verified on load;
// records that fail the checksum or any structural invariant are
// refused outright rather than partially trusted.
package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/otpvault/segment"
)

// SchemaVersion is the current on-disk schema version. Version 0 files
// (no version field, the original tool's format) are migrated on load.
const SchemaVersion = 1

// ErrCorruptState indicates the state record failed schema or invariant
// validation. The vault is unusable for allocation until repaired by
// hand; guessing at a record we cannot fully validate would risk pad
// reuse.
var ErrCorruptState = errors.New("vault state record failed validation")

// ErrPadNotFound indicates the pad identifier has no record in the
// vault state.
var ErrPadNotFound = errors.New("pad not found in vault state")

// Status is a pad's lifecycle status.
type Status string

const (
	// StatusAvailable marks a pad with at least one unconsumed byte.
	StatusAvailable Status = "available"
	// StatusDepleted marks a pad whose every byte has been allocated.
	// Depleted pads keep their full record forever; old ciphertexts may
	// still need decrypting.
	StatusDepleted Status = "depleted"
)

// PadRecord is the persisted usage record for one pad.
type PadRecord struct {
	Size         uint64            `json:"size"`
	Status       Status            `json:"status"`
	UsedSegments []segment.Segment `json:"used_segments"`
}

// UsedBytes returns the total bytes consumed from the pad.
func (p *PadRecord) UsedBytes() uint64 {
	return segment.UsedBytes(p.UsedSegments)
}

// FreeBytes returns the total unconsumed bytes, contiguous or not.
func (p *PadRecord) FreeBytes() uint64 {
	return p.Size - p.UsedBytes()
}

// depleted reports whether the pad's used bytes cover its whole size.
func (p *PadRecord) depleted() bool {
	return p.UsedBytes() == p.Size
}

// validate checks every per-pad invariant.
func (p *PadRecord) validate(padID string) error {
	if p.Size == 0 {
		return fmt.Errorf("%w: pad %s has zero size", ErrCorruptState, padID)
	}
	var total uint64
	for i, s := range p.UsedSegments {
		if err := segment.Validate(s, p.Size); err != nil {
			return fmt.Errorf("%w: pad %s segment %s: %v", ErrCorruptState, padID, s, err)
		}
		for _, other := range p.UsedSegments[i+1:] {
			if s.Overlaps(other) {
				return fmt.Errorf("%w: pad %s segments %s and %s overlap", ErrCorruptState, padID, s, other)
			}
		}
		total += s.Length()
	}
	if total > p.Size {
		return fmt.Errorf("%w: pad %s used %d bytes of %d", ErrCorruptState, padID, total, p.Size)
	}
	switch p.Status {
	case StatusAvailable, StatusDepleted:
	default:
		return fmt.Errorf("%w: pad %s has unknown status %q", ErrCorruptState, padID, p.Status)
	}
	if (p.Status == StatusDepleted) != (total == p.Size) {
		return fmt.Errorf("%w: pad %s status %q inconsistent with %d/%d bytes used",
			ErrCorruptState, padID, p.Status, total, p.Size)
	}
	return nil
}

// clone returns a deep copy so snapshot readers never alias store state.
func (p *PadRecord) clone() *PadRecord {
	segs := make([]segment.Segment, len(p.UsedSegments))
	copy(segs, p.UsedSegments)
	return &PadRecord{Size: p.Size, Status: p.Status, UsedSegments: segs}
}

// VaultState is the full persisted record: one entry per pad.
type VaultState struct {
	Version  int                   `json:"version"`
	Checksum string                `json:"checksum,omitempty"`
	Pads     map[string]*PadRecord `json:"pads"`
}

// newVaultState returns an empty current-version record.
func newVaultState() *VaultState {
	return &VaultState{Version: SchemaVersion, Pads: make(map[string]*PadRecord)}
}

// validate checks every invariant across all pads.
func (v *VaultState) validate() error {
	if v.Version != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrCorruptState, v.Version)
	}
	for padID, rec := range v.Pads {
		if rec == nil {
			return fmt.Errorf("%w: pad %s has nil record", ErrCorruptState, padID)
		}
		if err := rec.validate(padID); err != nil {
			return err
		}
	}
	return nil
}

// padChecksum computes the BLAKE2b-256 digest over the canonical JSON
// encoding of the pad table. encoding/json emits map keys sorted, so
// the encoding is deterministic.
func (v *VaultState) padChecksum() (string, error) {
	payload, err := json.Marshal(v.Pads)
	if err != nil {
		return "", fmt.Errorf("encoding pad table: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return fmt.Sprintf("%x", sum), nil
}

// seal recomputes and stores the checksum prior to persisting.
func (v *VaultState) seal() error {
	sum, err := v.padChecksum()
	if err != nil {
		return err
	}
	v.Checksum = sum
	return nil
}

// verifyChecksum compares the stored checksum against a fresh
// computation. Records written before checksums existed have none;
// structural validation still applies to them.
func (v *VaultState) verifyChecksum() error {
	if v.Checksum == "" {
		return nil
	}
	sum, err := v.padChecksum()
	if err != nil {
		return err
	}
	if sum != v.Checksum {
		return fmt.Errorf("%w: checksum mismatch (stored %s, computed %s)", ErrCorruptState, v.Checksum, sum)
	}
	return nil
}

// clone deep-copies the state for snapshot reads.
func (v *VaultState) clone() *VaultState {
	out := &VaultState{Version: v.Version, Checksum: v.Checksum, Pads: make(map[string]*PadRecord, len(v.Pads))}
	for id, rec := range v.Pads {
		out.Pads[id] = rec.clone()
	}
	return out
}

// legacyPad is the version-0 on-disk pad shape, as written by the
// original tool: no status field, a redundant is_fully_used flag, and
// bookkeeping fields this implementation derives instead of storing.
type legacyPad struct {
	Size         uint64            `json:"size"`
	UsedSegments []segment.Segment `json:"used_segments"`
	IsFullyUsed  bool              `json:"is_fully_used"`
}

// migrateLegacy converts a version-0 record to the current schema. The
// status field is recomputed from actual usage rather than trusting the
// legacy flag; the result is validated like any other load.
func migrateLegacy(raw []byte) (*VaultState, error) {
	var legacy struct {
		Pads map[string]*legacyPad `json:"pads"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	v := newVaultState()
	for id, lp := range legacy.Pads {
		if lp == nil {
			return nil, fmt.Errorf("%w: pad %s has nil record", ErrCorruptState, id)
		}
		rec := &PadRecord{
			Size:         lp.Size,
			Status:       StatusAvailable,
			UsedSegments: lp.UsedSegments,
		}
		if rec.UsedSegments == nil {
			rec.UsedSegments = []segment.Segment{}
		}
		if rec.depleted() {
			rec.Status = StatusDepleted
		}
		v.Pads[id] = rec
	}
	return v, nil
}

// decodeState parses raw bytes into a validated VaultState, migrating
// version-0 records transparently.
func decodeState(raw []byte) (*VaultState, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	var v *VaultState
	if probe.Version == nil {
		migrated, err := migrateLegacy(raw)
		if err != nil {
			return nil, err
		}
		v = migrated
	} else {
		v = &VaultState{}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		if v.Pads == nil {
			v.Pads = make(map[string]*PadRecord)
		}
		if err := v.verifyChecksum(); err != nil {
			return nil, err
		}
	}

	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}
