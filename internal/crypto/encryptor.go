// Package crypto encrypts provider credentials at rest using AES-256-GCM, so
// API keys can live in the environment in encrypted form and only exist as
// plaintext inside the process.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	apperrors "market-gateway/internal/common/errors"
)

// Encryptor performs authenticated encryption of credential strings. It is
// safe for concurrent use.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives a 32-byte AES-256 key from the passphrase via PBKDF2.
// The salt is static so the same passphrase always yields the same key, which
// is what lets operators encrypt a credential once and ship the ciphertext.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, apperrors.InvalidRequestError("encryption key cannot be empty")
	}

	salt := []byte("market-gateway-credentials")
	key := pbkdf2.Key([]byte(passphrase), salt, 10000, 32, sha256.New)
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext). Empty input passes through unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.InternalError("failed to generate nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or wrong-key ciphertexts fail GCM
// authentication and return an error.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperrors.InvalidRequestError("ciphertext is not valid base64")
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", apperrors.InvalidRequestError("ciphertext too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.InternalError("failed to decrypt credential", err)
	}
	return string(plaintext), nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, apperrors.InternalError("failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.InternalError("failed to create GCM", err)
	}
	return gcm, nil
}
