package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/otpvault/segment"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Initialize())
	return s, dir
}

func TestInitialize(t *testing.T) {
	s, dir := newTestStore(t)

	assert.FileExists(t, filepath.Join(dir, "vault_state.json"))

	v, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v.Version)
	assert.Empty(t, v.Pads)
	assert.NotEmpty(t, v.Checksum, "initial state should be sealed")

	// A second Initialize must refuse to clobber the record.
	assert.Error(t, s.Initialize())
}

func TestAddPadAndSnapshot(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AddPad("pad-1", 1024))

	rec, err := s.Snapshot("pad-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), rec.Size)
	assert.Equal(t, StatusAvailable, rec.Status)
	assert.Empty(t, rec.UsedSegments)

	// Duplicate registration is rejected.
	assert.Error(t, s.AddPad("pad-1", 1024))

	// Unknown pads surface ErrPadNotFound.
	_, err = s.Snapshot("pad-2")
	assert.ErrorIs(t, err, ErrPadNotFound)
}

func TestCommit(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))

	rec, err := s.Commit("pad-1", segment.New(0, 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.UsedBytes())
	assert.Equal(t, StatusAvailable, rec.Status)

	// Overlapping commit fails and leaves state untouched.
	_, err = s.Commit("pad-1", segment.New(5, 10))
	assert.ErrorIs(t, err, segment.ErrOverlap)

	rec, err = s.Snapshot("pad-1")
	require.NoError(t, err)
	assert.Len(t, rec.UsedSegments, 1)

	// Out-of-bounds commit fails.
	_, err = s.Commit("pad-1", segment.New(95, 10))
	assert.ErrorIs(t, err, segment.ErrOutOfBounds)

	// Commit against an unknown pad fails.
	_, err = s.Commit("nope", segment.New(0, 1))
	assert.ErrorIs(t, err, ErrPadNotFound)
}

func TestCommitDepletes(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))

	_, err := s.Commit("pad-1", segment.New(0, 60))
	require.NoError(t, err)

	rec, err := s.Commit("pad-1", segment.New(60, 40))
	require.NoError(t, err)
	assert.Equal(t, StatusDepleted, rec.Status)
	assert.Equal(t, uint64(0), rec.FreeBytes())

	// Depleted pads keep their full segment history.
	assert.Len(t, rec.UsedSegments, 2)

	// Any further commit is out of space by definition.
	_, err = s.Commit("pad-1", segment.New(0, 1))
	assert.ErrorIs(t, err, segment.ErrOverlap)
}

func TestCommitIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))

	_, changed, err := s.CommitIdempotent("pad-1", segment.New(10, 20))
	require.NoError(t, err)
	assert.True(t, changed)

	// Replaying the identical segment succeeds without change.
	rec, changed, err := s.CommitIdempotent("pad-1", segment.New(10, 20))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, rec.UsedSegments, 1)

	// A different overlapping segment is a reuse violation.
	_, _, err = s.CommitIdempotent("pad-1", segment.New(15, 20))
	assert.ErrorIs(t, err, segment.ErrOverlap)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))
	_, err := s.Commit("pad-1", segment.New(0, 25))
	require.NoError(t, err)

	reopened := NewStore(dir)
	rec, err := reopened.Snapshot("pad-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), rec.UsedBytes())
	assert.Equal(t, []segment.Segment{{Start: 0, End: 25}}, rec.UsedSegments)
}

func TestRemovePad(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))
	require.NoError(t, s.RemovePad("pad-1"))

	_, err := s.Snapshot("pad-1")
	assert.ErrorIs(t, err, ErrPadNotFound)

	assert.ErrorIs(t, s.RemovePad("pad-1"), ErrPadNotFound)
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))
	require.NoError(t, s.Reset())

	v, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, v.Pads)
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))
	_, err := s.Commit("pad-1", segment.New(0, 10))
	require.NoError(t, err)

	statePath := filepath.Join(dir, "vault_state.json")
	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)

	// Hand-edit the used range without updating the checksum.
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	var pads map[string]*PadRecord
	require.NoError(t, json.Unmarshal(doc["pads"], &pads))
	pads["pad-1"].UsedSegments[0].End = 5
	edited, err := json.Marshal(pads)
	require.NoError(t, err)
	doc["pads"] = edited
	rewritten, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, rewritten, 0o600))

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestLoadRejectsInvariantViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{
			"Overlapping segments",
			`{"version":1,"pads":{"p":{"size":100,"status":"available","used_segments":[{"start":0,"end":10},{"start":5,"end":15}]}}}`,
		},
		{
			"Segment past pad end",
			`{"version":1,"pads":{"p":{"size":100,"status":"available","used_segments":[{"start":90,"end":110}]}}}`,
		},
		{
			"Inverted segment",
			`{"version":1,"pads":{"p":{"size":100,"status":"available","used_segments":[{"start":10,"end":5}]}}}`,
		},
		{
			"Status contradicts usage",
			`{"version":1,"pads":{"p":{"size":10,"status":"available","used_segments":[{"start":0,"end":10}]}}}`,
		},
		{
			"Unknown status",
			`{"version":1,"pads":{"p":{"size":10,"status":"retired","used_segments":[]}}}`,
		},
		{
			"Zero-size pad",
			`{"version":1,"pads":{"p":{"size":0,"status":"available","used_segments":[]}}}`,
		},
		{
			"Future schema version",
			`{"version":7,"pads":{}}`,
		},
		{
			"Not JSON",
			`{"version":1,`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "vault_state.json"), []byte(tc.doc), 0o600))

			_, err := NewStore(dir).Load()
			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestLoadMigratesLegacyFormat(t *testing.T) {
	// The original tool's version-0 shape: no version field, extra
	// bookkeeping fields, is_fully_used instead of status.
	legacy := `{
	  "pads": {
	    "5b2c7a9e-0000-0000-0000-000000000001": {
	      "id": "5b2c7a9e-0000-0000-0000-000000000001",
	      "file_name": "5b2c7a9e-0000-0000-0000-000000000001.pad",
	      "size": 100,
	      "used_segments": [{"start": 0, "end": 100}],
	      "is_fully_used": true
	    },
	    "5b2c7a9e-0000-0000-0000-000000000002": {
	      "id": "5b2c7a9e-0000-0000-0000-000000000002",
	      "file_name": "5b2c7a9e-0000-0000-0000-000000000002.pad",
	      "size": 200,
	      "used_segments": [{"start": 50, "end": 60}],
	      "is_fully_used": false
	    }
	  }
	}`

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault_state.json"), []byte(legacy), 0o600))

	s := NewStore(dir)
	v, err := s.Load()
	require.NoError(t, err)
	require.Len(t, v.Pads, 2)

	full := v.Pads["5b2c7a9e-0000-0000-0000-000000000001"]
	require.NotNil(t, full)
	assert.Equal(t, StatusDepleted, full.Status)

	partial := v.Pads["5b2c7a9e-0000-0000-0000-000000000002"]
	require.NotNil(t, partial)
	assert.Equal(t, StatusAvailable, partial.Status)
	assert.Equal(t, uint64(10), partial.UsedBytes())

	// The first mutation rewrites the file in the current schema.
	_, err = s.Commit("5b2c7a9e-0000-0000-0000-000000000002", segment.New(0, 10))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "vault_state.json"))
	require.NoError(t, err)
	var upgraded VaultState
	require.NoError(t, json.Unmarshal(raw, &upgraded))
	assert.Equal(t, SchemaVersion, upgraded.Version)
	assert.NotEmpty(t, upgraded.Checksum)
}

func TestCommitLeavesNoTempFile(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.AddPad("pad-1", 100))
	_, err := s.Commit("pad-1", segment.New(0, 10))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
