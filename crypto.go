package qstore

import (
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// encryptPayload encrypts plaintext with ChaCha20-Poly1305 under a fresh
// random nonce. The returned ciphertext includes the AEAD authentication
// tag; the nonce is returned separately and stored in the catalog record.
func encryptPayload(cipherKey *memguard.Enclave, plaintext []byte, random SecureRandomSource) (ciphertext, nonce []byte, err error) {
	buf, err := cipherKey.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cipher key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err = random.Bytes(aead.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// decryptPayload decrypts and authenticates a ciphertext. Any modification
// of the ciphertext or use of a different key fails authentication.
func decryptPayload(cipherKey *memguard.Enclave, ciphertext, nonce []byte) ([]byte, error) {
	buf, err := cipherKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open cipher key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes, expected %d", ErrDecryptionFailed, len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
