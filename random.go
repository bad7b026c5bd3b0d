package qstore

import (
	"crypto/rand"
	"fmt"
	"io"
)

// SecureRandomSource produces cryptographically secure random bytes. The
// engine takes its randomness (nonces, salts, overwrite patterns) exclusively
// from this interface so tests can inject deterministic sources.
type SecureRandomSource interface {
	// Bytes returns n random bytes or an error. It never returns fewer
	// bytes without an error.
	Bytes(n int) ([]byte, error)
}

// systemRandomSource draws two independent reads from the operating system
// CSPRNG and combines them with XOR. A single read is already sufficient;
// the combination means a transient fault in one read cannot surface
// predictable output on its own.
type systemRandomSource struct{}

// NewSystemRandomSource returns the production randomness source.
func NewSystemRandomSource() SecureRandomSource {
	return systemRandomSource{}
}

func (systemRandomSource) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid random byte count: %d", n)
	}

	primary := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, primary); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	secondary := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, secondary); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	for i := range primary {
		primary[i] ^= secondary[i]
	}

	return primary, nil
}

// randomReader adapts a SecureRandomSource to io.Reader for APIs that
// consume a stream, such as blob erasure.
type randomReader struct {
	source SecureRandomSource
}

// RandomReader wraps the given source as an io.Reader.
func RandomReader(source SecureRandomSource) io.Reader {
	return randomReader{source: source}
}

func (r randomReader) Read(p []byte) (int, error) {
	b, err := r.source.Bytes(len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(p), nil
}
