// Package cryptobox provides pre-shared-key authenticated encryption for
// opaque datagrams, as used by the VPN data plane.
package cryptobox

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"meshnet/internal/meshnet/errs"
)

// KeySize is the pre-shared key length in bytes.
const KeySize = 32

// nonceSize is the random nonce length prepended to every ciphertext.
const nonceSize = 24

// Box performs XSalsa20-Poly1305 authenticated encryption with a fresh
// random nonce per message, mirroring the original program's use of
// nacl.secret.SecretBox.
type Box struct {
	key [KeySize]byte
}

// New builds a Box from a 32-byte pre-shared key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.ErrConfig, KeySize, len(key))
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// Encrypt returns nonce‖tag‖ciphertext (the nonce followed by secretbox's
// sealed output) for plaintext, using a fresh random
// 24-byte nonce on every call.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptobox: generate nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &b.key), nil
}

// Decrypt splits the nonce off ciphertext and opens the box. Any tampering,
// truncation, or key mismatch yields errs.ErrAuthFailure.
func (b *Box) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", errs.ErrAuthFailure)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, fmt.Errorf("%w: tag verification failed", errs.ErrAuthFailure)
	}
	return plaintext, nil
}
