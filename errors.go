package otpvault

import (
	"errors"

	"github.com/opd-ai/otpvault/cipher"
	"github.com/opd-ai/otpvault/integrity"
	"github.com/opd-ai/otpvault/segment"
	"github.com/opd-ai/otpvault/state"
)

// Errors defined by this package.
var (
	// ErrVaultNotFound indicates the vault directory does not exist or
	// has never been initialized.
	ErrVaultNotFound = errors.New("vault not found or not initialized")

	// ErrNoAvailablePad indicates no pad was pinned and no available pad
	// in the vault has a free contiguous range of the requested length.
	ErrNoAvailablePad = errors.New("no available pad with sufficient free space")

	// ErrPadInUse indicates a delete was refused because the pad has
	// recorded usage; removing it would make past ciphertexts
	// permanently undecryptable. Use PurgePad to override.
	ErrPadInUse = errors.New("pad has recorded usage")

	// ErrReservationNotFound indicates a release for a range that is not
	// currently reserved.
	ErrReservationNotFound = errors.New("no reservation for segment")
)

// Errors re-exported from subpackages so callers can match every
// failure mode with this package alone.
var (
	// ErrPadNotFound indicates the pad identifier has no record in the
	// vault state.
	ErrPadNotFound = state.ErrPadNotFound

	// ErrCorruptState indicates the state record failed validation; the
	// vault refuses all allocation until repaired.
	ErrCorruptState = state.ErrCorruptState

	// ErrOutOfBounds indicates a segment outside its pad's byte range.
	ErrOutOfBounds = segment.ErrOutOfBounds

	// ErrSegmentOverlap indicates a segment intersecting already-used
	// key material.
	ErrSegmentOverlap = segment.ErrOverlap

	// ErrInsufficientPadSpace indicates the pinned pad has no free
	// contiguous range of the requested length.
	ErrInsufficientPadSpace = segment.ErrInsufficientSpace

	// ErrIntegrityCheckFailed indicates the ciphertext digest does not
	// match its metadata descriptor. Never retried automatically.
	ErrIntegrityCheckFailed = integrity.ErrMismatch

	// ErrPadExhausted indicates the pad segment ended before the data
	// stream did.
	ErrPadExhausted = cipher.ErrPadExhausted
)
