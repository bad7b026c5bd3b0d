package qstore

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/qstore/internal/misc"
)

func testKey(t *testing.T) *memguard.Enclave {
	t.Helper()
	key, err := NewSystemRandomSource().Bytes(misc.KeySize)
	require.NoError(t, err)
	return memguard.NewEnclave(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	random := NewSystemRandomSource()

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"simple", []byte("hello world")},
		{"empty", []byte{}},
		{"binary", []byte{0x00, 0xFF, 0x01, 0xFE}},
		{"unicode", []byte("héllo wörld 日本語 🔐")},
		{"large", bytes.Repeat([]byte("0123456789abcdef"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, nonce, err := encryptPayload(key, tt.plaintext, random)
			require.NoError(t, err)
			require.NotEmpty(t, nonce)
			assert.NotEqual(t, tt.plaintext, ciphertext)

			plaintext, err := decryptPayload(key, ciphertext, nonce)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	key := testKey(t)
	random := NewSystemRandomSource()

	c1, n1, err := encryptPayload(key, []byte("same data"), random)
	require.NoError(t, err)
	c2, n2, err := encryptPayload(key, []byte("same data"), random)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, c1, c2)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := testKey(t)
	random := NewSystemRandomSource()

	ciphertext, nonce, err := encryptPayload(key, []byte("sensitive payload"), random)
	require.NoError(t, err)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0x01
		_, err := decryptPayload(key, tampered, nonce)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
	})

	t.Run("flipped nonce bit", func(t *testing.T) {
		badNonce := append([]byte(nil), nonce...)
		badNonce[0] ^= 0x01
		_, err := decryptPayload(key, ciphertext, badNonce)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		_, err := decryptPayload(key, ciphertext[:len(ciphertext)-1], nonce)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
	})

	t.Run("wrong nonce size", func(t *testing.T) {
		_, err := decryptPayload(key, ciphertext, nonce[:4])
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
	})
}

func TestDecryptWithWrongKey(t *testing.T) {
	random := NewSystemRandomSource()

	ciphertext, nonce, err := encryptPayload(testKey(t), []byte("payload"), random)
	require.NoError(t, err)

	_, err = decryptPayload(testKey(t), ciphertext, nonce)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestCiphertextHidesPlaintext(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(strings.Repeat("very-recognizable-marker ", 10))

	ciphertext, _, err := encryptPayload(key, plaintext, NewSystemRandomSource())
	require.NoError(t, err)

	assert.NotContains(t, string(ciphertext), "very-recognizable-marker")
}
