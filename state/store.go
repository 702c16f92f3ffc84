package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/segment"
)

const (
	stateFileName = "vault_state.json"
	lockFileName  = "vault_state.lock"
)

// Store provides validated snapshot reads and atomic read-modify-write
// commits over a vault's state record.
//
// Two layers of exclusion protect the allocate/commit critical section:
// an in-process mutex serializing commits within one process, and a
// cross-process advisory file lock for the case of several independent
// processes opening the same vault directory. Every mutation re-reads
// the persisted record under the lock, so decisions are never made
// against a stale in-memory copy.
type Store struct {
	path string
	flk  *flock.Flock
	mu   sync.Mutex
}

// NewStore returns a Store for the given vault directory.
func NewStore(vaultDir string) *Store {
	return &Store{
		path: filepath.Join(vaultDir, stateFileName),
		flk:  flock.New(filepath.Join(vaultDir, lockFileName)),
	}
}

// Exists reports whether the vault's state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Initialize writes an empty current-version record. It refuses to
// clobber an existing record.
func (s *Store) Initialize() error {
	return s.withLock(func() error {
		if s.Exists() {
			return fmt.Errorf("vault state already exists at %s", s.path)
		}
		return s.save(newVaultState())
	})
}

// Load returns a validated snapshot of the current persisted record.
// The snapshot is a deep copy; mutating it has no effect on the store.
func (s *Store) Load() (*VaultState, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading vault state: %w", err)
	}
	v, err := decodeState(raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Snapshot returns the record for one pad, or ErrPadNotFound.
func (s *Store) Snapshot(padID string) (*PadRecord, error) {
	v, err := s.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := v.Pads[padID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPadNotFound, padID)
	}
	return rec, nil
}

// Commit records seg as used on the given pad. The segment is
// re-validated against the current persisted record (bounds, overlap),
// the pad's depletion status is recomputed, and the whole record is
// rewritten atomically. On any validation failure the persisted state
// is untouched.
//
// The returned record reflects the pad after the commit.
func (s *Store) Commit(padID string, seg segment.Segment) (*PadRecord, error) {
	rec, _, err := s.commit(padID, seg, false)
	return rec, err
}

// CommitIdempotent behaves like Commit except that a segment exactly
// equal to one already recorded is treated as success without a
// rewrite. This is the decrypt-side semantics: replaying the same
// decrypt is safe, while a partial overlap with different prior usage
// is still a hard failure. The boolean reports whether state changed.
func (s *Store) CommitIdempotent(padID string, seg segment.Segment) (*PadRecord, bool, error) {
	return s.commit(padID, seg, true)
}

func (s *Store) commit(padID string, seg segment.Segment, idempotent bool) (rec *PadRecord, changed bool, err error) {
	err = s.withLock(func() error {
		v, err := s.Load()
		if err != nil {
			return err
		}
		cur, ok := v.Pads[padID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrPadNotFound, padID)
		}

		if idempotent {
			for _, existing := range cur.UsedSegments {
				if existing.Equal(seg) {
					rec = cur.clone()
					return nil
				}
			}
		}

		if err := segment.CheckFree(cur.UsedSegments, seg, cur.Size); err != nil {
			return fmt.Errorf("pad %s: %w", padID, err)
		}

		cur.UsedSegments = append(cur.UsedSegments, seg)
		if cur.depleted() {
			cur.Status = StatusDepleted
		}
		if err := s.save(v); err != nil {
			return err
		}

		rec = cur.clone()
		changed = true

		logrus.WithFields(logrus.Fields{
			"function":   "commit",
			"pad_id":     padID,
			"segment":    seg.String(),
			"used_bytes": cur.UsedBytes(),
			"status":     cur.Status,
		}).Info("Committed pad segment")

		return nil
	})
	return rec, changed, err
}

// AddPad registers a freshly generated or imported pad.
func (s *Store) AddPad(padID string, size uint64) error {
	if size == 0 {
		return fmt.Errorf("pad %s: size must be positive", padID)
	}
	return s.withLock(func() error {
		v, err := s.Load()
		if err != nil {
			return err
		}
		if _, exists := v.Pads[padID]; exists {
			return fmt.Errorf("pad %s already registered", padID)
		}
		v.Pads[padID] = &PadRecord{
			Size:         size,
			Status:       StatusAvailable,
			UsedSegments: []segment.Segment{},
		}
		return s.save(v)
	})
}

// RemovePad deletes the pad's record entirely.
func (s *Store) RemovePad(padID string) error {
	return s.withLock(func() error {
		v, err := s.Load()
		if err != nil {
			return err
		}
		if _, ok := v.Pads[padID]; !ok {
			return fmt.Errorf("%w: %s", ErrPadNotFound, padID)
		}
		delete(v.Pads, padID)
		return s.save(v)
	})
}

// Reset replaces the record with an empty one. Used by vault clearing.
func (s *Store) Reset() error {
	return s.withLock(func() error {
		return s.save(newVaultState())
	})
}

// withLock runs fn holding both the in-process mutex and the
// cross-process advisory lock. The lock covers only the short
// load-validate-save critical section, never bulk data streaming.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("acquiring vault lock: %w", err)
	}
	defer func() {
		if err := s.flk.Unlock(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "withLock",
				"error":    err,
			}).Error("Failed to release vault lock")
		}
	}()

	return fn()
}

// save seals and persists the record with the write-new-then-rename
// discipline: a crash leaves either the previous file or the new file,
// never a partial one.
func (s *Store) save(v *VaultState) error {
	v.Version = SchemaVersion
	if err := v.seal(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding vault state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing temporary state file: %w", werr)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
