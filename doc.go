// Package otpvault implements a one-time-pad encryption vault.
//
// A vault is a directory holding blocks of cryptographically random key
// material (pads) together with a single persisted record of which byte
// ranges of each pad have already been consumed. Security of the scheme
// rests entirely on never reusing a pad byte, so the package centers on
// the state engine that allocates pad ranges, enforces the no-reuse
// invariant, streams the XOR transform, and binds ciphertext to its
// metadata with a SHA-256 digest.
//
// # Getting Started
//
// Initialize a vault, generate a pad, and run an encrypt/decrypt round
// trip:
//
//	vault, err := otpvault.Init("./my_vault")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	padID, err := vault.GeneratePad(1024 * 1024)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var ciphertext bytes.Buffer
//	meta, err := vault.Encrypt(&ciphertext, strings.NewReader("attack at dawn"), 14, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var plaintext bytes.Buffer
//	err = vault.Decrypt(&plaintext, bytes.NewReader(ciphertext.Bytes()), meta, nil)
//
// The metadata descriptor returned by Encrypt is the only artifact a
// decrypting party needs besides the ciphertext bytes and, if not
// already present, the pad itself.
//
// # Core Types
//
//   - [Vault]: coordinator facade over pad storage, usage state,
//     allocation, and the streaming cipher
//   - [Metadata]: the per-ciphertext descriptor (pad id, start byte,
//     length, ciphertext hash)
//   - [Options]: vault configuration with NewOptions defaults
//   - [SegmentReservation]: a provisionally held pad range for the
//     two-step RequestSegment/MarkUsed flow
//
// # Concurrency
//
// All state-mutating operations against one vault are serialized: an
// in-process mutex covers concurrent goroutines, and a cross-process
// advisory file lock covers independent processes sharing a vault
// directory. Only the short allocate and commit steps hold the lock;
// bulk streaming runs outside it, and the commit happens only after the
// full stream completes, so an abandoned operation consumes nothing.
//
// # Two-Party Use
//
// Sender and receiver each run their own vault over the same pad bytes,
// moved out-of-band with ExportPad and ImportPad. The package
// guarantees each vault's own invariants only; it does not synchronize
// state between vaults. Decrypting marks the segment used locally, and
// replaying the same decrypt is idempotent, but nothing stops two
// parties from independently allocating the same range for different
// messages. Use explicit offsets or disjoint pads per direction to
// coordinate.
package otpvault
