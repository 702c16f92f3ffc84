package otpvault

import (
	"encoding/json"
	"fmt"
	"io"
)

// Metadata is the descriptor produced once per encryption. It is
// immutable once produced and, together with the ciphertext bytes and
// the pad, is everything a decrypting party needs. The JSON shape is a
// wire format shared between parties; field names are fixed.
type Metadata struct {
	PadID          string `json:"pad_id"`
	StartByte      uint64 `json:"start_byte"`
	Length         uint64 `json:"length"`
	CiphertextHash string `json:"ciphertext_hash"`
}

// validate checks the descriptor's internal consistency. The hash may
// be empty only when the caller explicitly skips integrity checking.
func (m *Metadata) validate() error {
	if m == nil {
		return fmt.Errorf("nil metadata descriptor")
	}
	if m.PadID == "" {
		return fmt.Errorf("metadata descriptor missing pad id")
	}
	if m.Length == 0 {
		return fmt.Errorf("metadata descriptor has zero length")
	}
	return nil
}

// WriteTo serializes the descriptor as indented JSON, the sidecar
// format written next to ciphertext files.
func (m *Metadata) WriteTo(w io.Writer) (int64, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	n, err := w.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("writing metadata: %w", err)
	}
	return int64(n), nil
}

// ReadMetadata parses a descriptor from its JSON sidecar form.
func ReadMetadata(r io.Reader) (*Metadata, error) {
	var m Metadata
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
