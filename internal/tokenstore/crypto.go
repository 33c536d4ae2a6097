package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize  = 12 // AES-GCM standard nonce (96 bits)
	keyLength  = 32 // AES-256
	saltLength = 16
	kdfRounds  = 10000
	sep        = "|" // base64(nonce)|base64(ciphertext)
)

// legacySalt is the fixed salt used before per-store random salts were
// introduced. Kept only so old store files can be decrypted once and
// migrated.
var legacySalt = []byte("ledgergate-static-salt")

var errSealedFormat = errors.New("invalid sealed format: expected base64(nonce)|base64(ciphertext)")

// deriveKey stretches the long-term secret into an AES-256 key with
// PBKDF2-SHA256 under the given salt.
func deriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, kdfRounds, keyLength, sha256.New)
}

// newSalt returns a fresh random key-derivation salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt random: %w", err)
	}
	return salt, nil
}

// seal encrypts plaintext with AES-256-GCM and returns
// base64(nonce)|base64(ciphertext). The GCM tag makes tampering and
// wrong-key decryption detectable.
func seal(key, plaintext []byte) (string, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// open decrypts a sealed blob produced by seal.
func open(key []byte, sealed string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(sealed), sep)
	if len(parts) != 2 {
		return nil, errSealedFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aesgcm, nil
}
