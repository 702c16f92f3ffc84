// Package cipher implements the streaming XOR transform at the heart of
// the one-time-pad scheme.
//
// The transform is its own inverse: XORing plaintext with a pad segment
// yields ciphertext, and XORing that ciphertext with the same segment
// yields the plaintext back. There is no padding, framing, or block
// structure; output length always equals input length, and the pad
// segment must supply exactly as many bytes as the input.
//
// Data is processed in fixed-size chunks so memory use stays constant no
// matter how large the payload is. Pad bytes are never cycled or reused:
// if the pad source runs out before the input does, Process fails.
package cipher

import (
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the number of bytes processed per read. Both the data
// buffer and the pad buffer are this size, bounding memory regardless of
// payload size.
const ChunkSize = 64 * 1024

// ErrPadExhausted indicates the pad source ended before the input did.
var ErrPadExhausted = errors.New("pad segment shorter than input")

// XORBytes writes a[i] ^ b[i] into dst for every index. All three slices
// must have the same length.
func XORBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(dst) != len(a) {
		panic("cipher: XORBytes length mismatch")
	}
	for i := range a {
		dst[i] = a[i] ^ b[i]
	}
}

// Process streams src through the XOR transform against padSrc, writing
// the result to dst. It returns the number of bytes written.
//
// padSrc must yield at least as many bytes as src; a shorter pad source
// results in ErrPadExhausted with any already-written output left as-is
// (callers treat any error as a failed, discardable operation).
func Process(dst io.Writer, src, padSrc io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	padBuf := make([]byte, ChunkSize)

	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := io.ReadFull(padSrc, padBuf[:n]); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return written, fmt.Errorf("%w: needed %d more bytes at offset %d", ErrPadExhausted, n, written)
				}
				return written, fmt.Errorf("reading pad segment: %w", err)
			}
			XORBytes(buf[:n], buf[:n], padBuf[:n])
			nw, err := dst.Write(buf[:n])
			written += int64(nw)
			if err != nil {
				return written, fmt.Errorf("writing transformed chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("reading input: %w", readErr)
		}
	}
}
