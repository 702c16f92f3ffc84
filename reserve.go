package otpvault

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/segment"
)

// reservation is a provisionally held pad range awaiting confirmation.
type reservation struct {
	seg     segment.Segment
	expires time.Time
}

// reservationTable tracks in-flight allocations so a second caller is
// never handed bytes that a first caller is still streaming against.
// Reservations are process-local: the persisted state only ever records
// confirmed usage, so a crash forfeits nothing but unconfirmed holds.
type reservationTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	byPad map[string][]reservation
}

func newReservationTable(ttl time.Duration) *reservationTable {
	return &reservationTable{ttl: ttl, byPad: make(map[string][]reservation)}
}

// add records a hold on seg with no expiry: holds backing an in-flight
// stream in this process last until the operation finishes. The caller
// has already checked the range is free against both committed state
// and existing reservations.
func (rt *reservationTable) add(padID string, seg segment.Segment) {
	rt.insert(padID, reservation{seg: seg})
}

func (rt *reservationTable) insert(padID string, r reservation) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.byPad[padID] = append(rt.byPad[padID], r)
}

// startClock switches an existing hold to the expiring form handed to
// external callers via RequestSegment, and returns its deadline.
func (rt *reservationTable) startClock(padID string, seg segment.Segment) time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	expires := time.Now().Add(rt.ttl)
	for i, r := range rt.byPad[padID] {
		if r.seg.Equal(seg) {
			rt.byPad[padID][i].expires = expires
			break
		}
	}
	return expires
}

// segmentsFor returns the live reserved ranges for a pad, pruning
// expired holds as a side effect.
func (rt *reservationTable) segmentsFor(padID string) []segment.Segment {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	live := rt.byPad[padID][:0]
	var out []segment.Segment
	for _, r := range rt.byPad[padID] {
		if !r.expires.IsZero() && now.After(r.expires) {
			continue
		}
		live = append(live, r)
		out = append(out, r.seg)
	}
	if len(live) == 0 {
		delete(rt.byPad, padID)
	} else {
		rt.byPad[padID] = live
	}
	return out
}

// release drops the hold on seg, reporting whether one existed.
func (rt *reservationTable) release(padID string, seg segment.Segment) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	held := rt.byPad[padID]
	for i, r := range held {
		if r.seg.Equal(seg) {
			rt.byPad[padID] = append(held[:i], held[i+1:]...)
			if len(rt.byPad[padID]) == 0 {
				delete(rt.byPad, padID)
			}
			return true
		}
	}
	return false
}

// SegmentReservation describes a pad range handed out by RequestSegment
// and held until MarkUsed confirms it, ReleaseSegment abandons it, or
// the TTL expires.
type SegmentReservation struct {
	PadID     string
	Start     uint64
	Length    uint64
	ExpiresAt time.Time
}

// End returns the exclusive end byte of the reserved range.
func (r *SegmentReservation) End() uint64 {
	return r.Start + r.Length
}

// RequestSegment allocates a pad range without committing it and
// returns the reservation together with a reader over the raw pad
// bytes, so the XOR transform can run outside this process (the
// HTTP-adapter split of the encrypt flow). Pass opts to pin a pad or
// request an explicit offset, exactly as with Encrypt.
//
// The range stays invisible to other allocations until MarkUsed
// confirms it, ReleaseSegment abandons it, or the reservation TTL
// lapses. The caller owns the returned reader.
func (v *Vault) RequestSegment(length uint64, opts *EncryptOptions) (*SegmentReservation, io.ReadCloser, error) {
	padID, offset := encryptParams(opts)

	id, seg, err := v.allocate(length, padID, offset)
	if err != nil {
		return nil, nil, err
	}

	rc, err := v.pads.OpenRange(id, seg.Start, seg.Length())
	if err != nil {
		v.reserved.release(id, seg)
		return nil, nil, err
	}

	expires := v.reserved.startClock(id, seg)

	logrus.WithFields(logrus.Fields{
		"function": "RequestSegment",
		"pad_id":   id,
		"segment":  seg.String(),
		"expires":  expires,
	}).Info("Reserved pad segment")

	return &SegmentReservation{
		PadID:     id,
		Start:     seg.Start,
		Length:    seg.Length(),
		ExpiresAt: expires,
	}, rc, nil
}

// MarkUsed confirms that the range [start, end) of a pad has been
// consumed, committing it to the state store and releasing any matching
// reservation. Committing an identical already-recorded range is
// idempotent; an unreserved range is still accepted (an external
// adapter may be re-syncing) subject to full validation against
// persisted state.
func (v *Vault) MarkUsed(padID string, start, end uint64) error {
	if end <= start {
		return fmt.Errorf("%w: range [%d, %d) is empty or inverted", ErrOutOfBounds, start, end)
	}
	seg := segment.Segment{Start: start, End: end}

	_, err := v.finishCommit(padID, seg, true)
	return err
}

// ReleaseSegment abandons a reservation without consuming the range.
func (v *Vault) ReleaseSegment(padID string, start, end uint64) error {
	seg := segment.Segment{Start: start, End: end}
	if !v.reserved.release(padID, seg) {
		return fmt.Errorf("%w: pad %s %s", ErrReservationNotFound, padID, seg)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReleaseSegment",
		"pad_id":   padID,
		"segment":  seg.String(),
	}).Info("Released pad segment reservation")

	return nil
}
