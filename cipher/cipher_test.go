package cipher

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

func TestXORBytes(t *testing.T) {
	a := []byte{0x00, 0xFF, 0xAA, 0x55}
	b := []byte{0xFF, 0xFF, 0x0F, 0x55}
	dst := make([]byte, 4)

	XORBytes(dst, a, b)

	want := []byte{0xFF, 0x00, 0xA5, 0x00}
	if !bytes.Equal(dst, want) {
		t.Errorf("XORBytes() = %x, want %x", dst, want)
	}
}

func TestXORBytesLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("XORBytes with mismatched lengths did not panic")
		}
	}()
	XORBytes(make([]byte, 2), make([]byte, 3), make([]byte, 3))
}

func TestProcessRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 5, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}

	for _, size := range sizes {
		plaintext := make([]byte, size)
		pad := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("generating plaintext: %v", err)
		}
		if _, err := rand.Read(pad); err != nil {
			t.Fatalf("generating pad: %v", err)
		}

		var ciphertext bytes.Buffer
		n, err := Process(&ciphertext, bytes.NewReader(plaintext), bytes.NewReader(pad))
		if err != nil {
			t.Fatalf("size %d: encrypt Process() error: %v", size, err)
		}
		if n != int64(size) {
			t.Errorf("size %d: encrypt wrote %d bytes", size, n)
		}
		if ciphertext.Len() != size {
			t.Errorf("size %d: ciphertext length %d, want %d", size, ciphertext.Len(), size)
		}

		var recovered bytes.Buffer
		if _, err := Process(&recovered, bytes.NewReader(ciphertext.Bytes()), bytes.NewReader(pad)); err != nil {
			t.Fatalf("size %d: decrypt Process() error: %v", size, err)
		}
		if !bytes.Equal(recovered.Bytes(), plaintext) {
			t.Errorf("size %d: round trip did not recover plaintext", size)
		}
	}
}

func TestProcessOutputDiffersFromInput(t *testing.T) {
	plaintext := bytes.Repeat([]byte("secret "), 1000)
	pad := make([]byte, len(plaintext))
	if _, err := rand.Read(pad); err != nil {
		t.Fatalf("generating pad: %v", err)
	}

	var ciphertext bytes.Buffer
	if _, err := Process(&ciphertext, bytes.NewReader(plaintext), bytes.NewReader(pad)); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if bytes.Equal(ciphertext.Bytes(), plaintext) {
		t.Error("ciphertext equals plaintext for a random pad")
	}
}

func TestProcessPadExhausted(t *testing.T) {
	plaintext := make([]byte, 100)
	pad := make([]byte, 99) // one byte short

	var out bytes.Buffer
	_, err := Process(&out, bytes.NewReader(plaintext), bytes.NewReader(pad))
	if !errors.Is(err, ErrPadExhausted) {
		t.Errorf("Process() with short pad = %v, want ErrPadExhausted", err)
	}
}

// shortReader returns at most 3 bytes per call to exercise partial reads.
type shortReader struct{ r io.Reader }

func (s shortReader) Read(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return s.r.Read(p)
}

func TestProcessHandlesPartialReads(t *testing.T) {
	plaintext := []byte("partial reads must not desynchronize the keystream")
	pad := make([]byte, len(plaintext))
	if _, err := rand.Read(pad); err != nil {
		t.Fatalf("generating pad: %v", err)
	}

	var ciphertext bytes.Buffer
	if _, err := Process(&ciphertext, shortReader{bytes.NewReader(plaintext)}, bytes.NewReader(pad)); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	var recovered bytes.Buffer
	if _, err := Process(&recovered, bytes.NewReader(ciphertext.Bytes()), bytes.NewReader(pad)); err != nil {
		t.Fatalf("decrypt Process() error: %v", err)
	}
	if !bytes.Equal(recovered.Bytes(), plaintext) {
		t.Error("round trip with partial reads did not recover plaintext")
	}
}
