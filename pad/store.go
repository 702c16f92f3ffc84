// Package pad owns the raw pad byte material on durable storage.
//
// Pads live under the vault directory in two subdirectories:
// pads/available/<pad_id> while the pad still has free bytes and
// pads/used/<pad_id> once it is depleted. The bytes themselves are
// written exactly once by Generate or Import and never mutated; only
// the file's location changes, and only the state package's usage
// record says which ranges have been consumed.
//
// Reads are bounded: OpenRange hands back a streaming reader over one
// byte range so gigabyte pads are never materialized in memory.
package pad

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/otpvault/segment"
)

// ErrPadFileMissing indicates the pad's backing file is in neither the
// available nor the used directory. The usage record may still mention
// the pad; that inconsistency is for the caller to surface.
var ErrPadFileMissing = errors.New("pad file missing from vault")

// generateChunkSize bounds the buffer used while writing random pad
// material, so pad size never dictates memory use.
const generateChunkSize = 64 * 1024

const (
	availableDir = "available"
	usedDir      = "used"
)

// Store manages pad files under a single vault directory.
type Store struct {
	dir string // <vault>/pads
}

// NewStore returns a Store rooted at the given vault directory. The
// directory layout is created by EnsureLayout, not here.
func NewStore(vaultDir string) *Store {
	return &Store{dir: filepath.Join(vaultDir, "pads")}
}

// EnsureLayout creates the pads/available and pads/used directories.
func (s *Store) EnsureLayout() error {
	for _, sub := range []string{availableDir, usedDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o700); err != nil {
			return fmt.Errorf("creating pad directory %s: %w", sub, err)
		}
	}
	return nil
}

func (s *Store) availablePath(padID string) string {
	return filepath.Join(s.dir, availableDir, padID)
}

func (s *Store) usedPath(padID string) string {
	return filepath.Join(s.dir, usedDir, padID)
}

// Path returns the pad file's current location, checking the available
// directory first and the used directory second.
func (s *Store) Path(padID string) (string, error) {
	for _, p := range []string{s.availablePath(padID), s.usedPath(padID)} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: pad %s", ErrPadFileMissing, padID)
}

// Exists reports whether the pad's backing file is present.
func (s *Store) Exists(padID string) bool {
	_, err := s.Path(padID)
	return err == nil
}

// Generate creates a new pad of exactly sizeBytes cryptographically
// secure random bytes, assigns it a fresh identifier, and persists it
// durably before returning the identifier.
//
// The pad is written to a temporary file in chunks, synced, and renamed
// into pads/available so a crash never leaves a partial pad visible.
func (s *Store) Generate(sizeBytes uint64) (string, error) {
	padID := uuid.NewString()
	if err := s.writePad(padID, rand.Reader, sizeBytes); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Generate",
		"pad_id":   padID,
		"size":     sizeBytes,
	}).Info("Generated new pad")

	return padID, nil
}

// Import persists sizeBytes of externally supplied pad material under
// the given identifier. This is how a receiving party installs the pad
// its counterpart generated, so both vaults can name the same bytes.
func (s *Store) Import(padID string, r io.Reader, sizeBytes uint64) error {
	if s.Exists(padID) {
		return fmt.Errorf("pad %s already present in vault", padID)
	}
	if err := s.writePad(padID, r, sizeBytes); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Import",
		"pad_id":   padID,
		"size":     sizeBytes,
	}).Info("Imported pad")

	return nil
}

// writePad streams exactly sizeBytes from r into a fresh pad file using
// the write-then-rename discipline.
func (s *Store) writePad(padID string, r io.Reader, sizeBytes uint64) error {
	if sizeBytes == 0 {
		return fmt.Errorf("pad size must be positive")
	}

	final := s.availablePath(padID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating pad file for %s: %w", padID, err)
	}

	written, err := io.CopyBuffer(f, io.LimitReader(r, int64(sizeBytes)), make([]byte, generateChunkSize))
	if err == nil && uint64(written) != sizeBytes {
		err = fmt.Errorf("pad source ended after %d of %d bytes", written, sizeBytes)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing pad %s: %w", padID, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing pad %s: %w", padID, err)
	}
	return nil
}

// Size returns the pad file's size in bytes.
func (s *Store) Size(padID string) (uint64, error) {
	path, err := s.Path(padID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat pad %s: %w", padID, err)
	}
	return uint64(info.Size()), nil
}

// OpenRange returns a reader over exactly [start, start+length) of the
// pad's bytes. The range is validated against the actual file size;
// requests past the end fail with segment.ErrOutOfBounds before any
// bytes are read. The caller owns the returned ReadCloser.
func (s *Store) OpenRange(padID string, start, length uint64) (io.ReadCloser, error) {
	path, err := s.Path(padID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat pad %s: %w", padID, err)
	}
	if err := segment.Validate(segment.New(start, length), uint64(info.Size())); err != nil {
		return nil, fmt.Errorf("pad %s: %w", padID, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pad %s: %w", padID, err)
	}
	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking pad %s to %d: %w", padID, start, err)
	}

	return &rangeReader{r: io.LimitReader(f, int64(length)), f: f}, nil
}

// rangeReader couples a LimitReader with the file it reads from so
// Close releases the descriptor.
type rangeReader struct {
	r io.Reader
	f *os.File
}

func (rr *rangeReader) Read(p []byte) (int, error) { return rr.r.Read(p) }
func (rr *rangeReader) Close() error               { return rr.f.Close() }

// Export streams the pad's raw bytes to w, returning the byte count.
// Used to hand pad material to a counterpart vault out-of-band.
func (s *Store) Export(w io.Writer, padID string) (uint64, error) {
	path, err := s.Path(padID)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening pad %s: %w", padID, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return uint64(n), fmt.Errorf("exporting pad %s: %w", padID, err)
	}
	return uint64(n), nil
}

// MarkDepleted moves the pad file from available to used. Missing
// source with present destination is treated as already done.
func (s *Store) MarkDepleted(padID string) error {
	return s.move(padID, s.availablePath(padID), s.usedPath(padID))
}

// MarkAvailable moves the pad file from used back to available. Only
// state repair paths need this.
func (s *Store) MarkAvailable(padID string) error {
	return s.move(padID, s.usedPath(padID), s.availablePath(padID))
}

func (s *Store) move(padID, from, to string) error {
	if _, err := os.Stat(from); os.IsNotExist(err) {
		if _, err := os.Stat(to); err == nil {
			return nil // already in place
		}
		return fmt.Errorf("%w: pad %s", ErrPadFileMissing, padID)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("moving pad %s: %w", padID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "move",
		"pad_id":   padID,
		"to":       filepath.Base(filepath.Dir(to)),
	}).Debug("Relocated pad file")

	return nil
}

// Remove deletes the pad's backing file wherever it lives. Removing a
// pad that has no file is not an error; the caller is reconciling state.
func (s *Store) Remove(padID string) error {
	path, err := s.Path(padID)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing pad %s: %w", padID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"pad_id":   padID,
	}).Info("Removed pad file")

	return nil
}
