package otpvault

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/pad"
	"github.com/opd-ai/otpvault/segment"
	"github.com/opd-ai/otpvault/state"
)

// Options configures a Vault.
type Options struct {
	// ReservationTTL bounds how long a segment handed out by
	// RequestSegment stays provisionally held without confirmation.
	// Expired reservations are released lazily on the next allocation.
	ReservationTTL time.Duration
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		ReservationTTL: 5 * time.Minute,
	}
}

// Vault coordinates pad storage, usage state, segment allocation, and
// the streaming cipher for one vault directory. It is the sole owner of
// concurrency control around state mutation: the allocate and commit
// steps of every operation run under the vault's mutex (and the state
// store's cross-process file lock), while bulk streaming does not.
type Vault struct {
	dir   string
	opts  *Options
	pads  *pad.Store
	state *state.Store

	// mu makes allocate-then-reserve atomic with respect to other
	// allocations in this process. Reserved ranges invisible to the
	// persisted state are what make releasing the lock during long
	// streams safe.
	mu       sync.Mutex
	reserved *reservationTable
}

// Init creates the vault layout at dir (the directory itself, the pad
// directories, and an empty state record) and returns the opened vault.
// It fails if the directory already contains an initialized vault.
func Init(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	pads := pad.NewStore(dir)
	if err := pads.EnsureLayout(); err != nil {
		return nil, err
	}

	st := state.NewStore(dir)
	if err := st.Initialize(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Init",
		"vault":    dir,
	}).Info("Initialized vault")

	return Open(dir, nil)
}

// Open opens an existing vault. A nil options uses NewOptions defaults.
// The state record is loaded and fully validated before any operation
// is allowed; a vault whose record cannot be validated is unusable
// until repaired (ErrCorruptState).
func Open(dir string, opts *Options) (*Vault, error) {
	if opts == nil {
		opts = NewOptions()
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, dir)
	}

	st := state.NewStore(dir)
	if !st.Exists() {
		return nil, fmt.Errorf("%w: %s has no state record", ErrVaultNotFound, dir)
	}
	if _, err := st.Load(); err != nil {
		return nil, err
	}

	v := &Vault{
		dir:      dir,
		opts:     opts,
		pads:     pad.NewStore(dir),
		state:    st,
		reserved: newReservationTable(opts.ReservationTTL),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"vault":    dir,
	}).Debug("Opened vault")

	return v, nil
}

// Dir returns the vault's directory path.
func (v *Vault) Dir() string {
	return v.dir
}

// allocate picks or validates a pad segment of the given length under
// the vault mutex and reserves it. The caller must confirm the
// reservation with a state commit or release it on failure.
//
// With padID empty, the pad is auto-selected: available pads are tried
// in ascending identifier order (the documented deterministic
// tie-break) and the first with a first-fit hole wins. With an explicit
// offset the requested range is validated exactly, never shifted.
func (v *Vault) allocate(length uint64, padID string, offset *uint64) (string, segment.Segment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 {
		return "", segment.Segment{}, fmt.Errorf("%w: requested length is zero", ErrOutOfBounds)
	}

	snapshot, err := v.state.Load()
	if err != nil {
		return "", segment.Segment{}, err
	}

	if padID != "" {
		rec, ok := snapshot.Pads[padID]
		if !ok {
			return "", segment.Segment{}, fmt.Errorf("%w: %s", ErrPadNotFound, padID)
		}
		seg, err := v.allocateFromPad(padID, rec, length, offset)
		if err != nil {
			return "", segment.Segment{}, err
		}
		v.reserved.add(padID, seg)
		return padID, seg, nil
	}

	if offset != nil {
		return "", segment.Segment{}, fmt.Errorf("explicit offset requires a pinned pad id")
	}

	for _, id := range sortedPadIDs(snapshot.Pads) {
		rec := snapshot.Pads[id]
		if rec.Status != state.StatusAvailable {
			continue
		}
		seg, err := v.allocateFromPad(id, rec, length, nil)
		if err != nil {
			continue
		}
		v.reserved.add(id, seg)
		return id, seg, nil
	}

	return "", segment.Segment{}, fmt.Errorf("%w: need %d contiguous bytes", ErrNoAvailablePad, length)
}

// allocateFromPad resolves a segment within one pad, counting both
// committed segments and live reservations as occupied.
func (v *Vault) allocateFromPad(padID string, rec *state.PadRecord, length uint64, offset *uint64) (segment.Segment, error) {
	occupied := append([]segment.Segment{}, rec.UsedSegments...)
	occupied = append(occupied, v.reserved.segmentsFor(padID)...)

	if offset != nil {
		seg := segment.New(*offset, length)
		if err := segment.CheckFree(occupied, seg, rec.Size); err != nil {
			return segment.Segment{}, fmt.Errorf("pad %s: %w", padID, err)
		}
		return seg, nil
	}

	start, err := segment.FirstFit(occupied, rec.Size, length, 0)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("pad %s: %w", padID, err)
	}
	return segment.New(start, length), nil
}

// finishCommit confirms an allocation in the state store, releases the
// reservation, and relocates the pad file when the commit depleted it.
//
// Encryption commits strictly: if another process committed the same
// range since allocation, succeeding idempotently would reuse those
// bytes, so the conflict must surface. Decryption commits idempotently,
// since replaying a decrypt of the same ciphertext is safe.
func (v *Vault) finishCommit(padID string, seg segment.Segment, idempotent bool) (*state.PadRecord, error) {
	var rec *state.PadRecord
	var err error
	if idempotent {
		rec, _, err = v.state.CommitIdempotent(padID, seg)
	} else {
		rec, err = v.state.Commit(padID, seg)
	}
	v.reserved.release(padID, seg)
	if err != nil {
		return nil, err
	}

	if rec.Status == state.StatusDepleted {
		if err := v.pads.MarkDepleted(padID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finishCommit",
				"pad_id":   padID,
				"error":    err,
			}).Warn("Pad depleted but file could not be relocated")
		}
	}
	return rec, nil
}

// sortedPadIDs returns pad identifiers in ascending order.
func sortedPadIDs(pads map[string]*state.PadRecord) []string {
	ids := make([]string, 0, len(pads))
	for id := range pads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
