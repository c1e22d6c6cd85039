package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// encryptionSalt is a fixed, domain-separated salt used to derive the
// symmetric key from an operator-supplied secret. It is not a secret
// itself; it exists so the same passphrase never derives the same key as
// it would in an unrelated system.
const encryptionSalt = "uaef-salt-v1"

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLength  = 32 // AES-256
)

// EncryptionService encrypts and decrypts small secrets (agent credentials,
// webhook signing keys) at rest using AES-256-GCM with a key derived from
// an operator-supplied passphrase via PBKDF2-HMAC-SHA256.
type EncryptionService struct {
	key []byte
}

// NewEncryptionService derives the AEAD key from passphrase.
func NewEncryptionService(passphrase string) *EncryptionService {
	key := pbkdf2.Key([]byte(passphrase), []byte(encryptionSalt), pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return &EncryptionService{key: key}
}

// Encrypt returns a base64-encoded nonce||ciphertext blob.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plaintext), nil
}
