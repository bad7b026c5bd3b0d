package qstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"
)

// computeTag produces the HMAC-SHA256 integrity tag binding a record's
// ciphertext, nonce and metadata together. The input is serialized
// canonically (length framing, metadata keys in sorted order) so the tag is
// independent of map iteration order and immune to boundary-shift collisions.
func computeTag(macKey *memguard.Enclave, ciphertext, nonce []byte, metadata map[string]string) ([]byte, error) {
	buf, err := macKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open integrity key: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())

	var frame [8]byte

	binary.BigEndian.PutUint64(frame[:], uint64(len(ciphertext)))
	mac.Write(frame[:])
	mac.Write(ciphertext)

	binary.BigEndian.PutUint64(frame[:], uint64(len(nonce)))
	mac.Write(frame[:])
	mac.Write(nonce)

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	binary.BigEndian.PutUint64(frame[:], uint64(len(keys)))
	mac.Write(frame[:])

	for _, k := range keys {
		binary.BigEndian.PutUint64(frame[:], uint64(len(k)))
		mac.Write(frame[:])
		mac.Write([]byte(k))

		v := metadata[k]
		binary.BigEndian.PutUint64(frame[:], uint64(len(v)))
		mac.Write(frame[:])
		mac.Write([]byte(v))
	}

	return mac.Sum(nil), nil
}

// verifyTag recomputes the integrity tag and compares it in constant time.
func verifyTag(macKey *memguard.Enclave, ciphertext, nonce []byte, metadata map[string]string, tag []byte) error {
	expected, err := computeTag(macKey, ciphertext, nonce, metadata)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, tag) {
		return ErrIntegrityCheckFailed
	}
	return nil
}
