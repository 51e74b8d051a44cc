// Package security provides at-rest encryption for bundles handed off to
// archival storage. Archival targets (S3, a shared filesystem) are outside
// this engine's trust boundary, so a bundle written there is optionally
// sealed with AES-256-GCM before upload and opened again after download.
//
// Grounded on encryption.go's Encryptor: PBKDF2 key derivation from a
// passphrase (or a raw 32-byte key), AES-GCM sealing with a random nonce
// prepended to the ciphertext.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize     = 12
	saltSize      = 32
	keySize       = 32
	pbkdf2Rounds  = 100000
)

// Config controls whether bundles are encrypted before archival and how the
// key is derived.
type Config struct {
	Enabled  bool
	Key      []byte // raw 32-byte key; takes precedence over Passphrase
	Passphrase string
}

// Encryptor seals and opens bundle payloads with AES-256-GCM.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor builds an Encryptor from cfg. Returns (nil, nil) if cfg
// disables encryption, so callers can treat a nil Encryptor as a no-op.
func NewEncryptor(cfg Config) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key, salt []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != keySize {
			return nil, errors.New("security: encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	case cfg.Passphrase != "":
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.Passphrase), salt, pbkdf2Rounds, keySize, sha256.New)
	default:
		return nil, errors.New("security: encryption enabled but no key or passphrase provided")
	}

	return newEncryptorFromKey(key, salt)
}

// NewEncryptorWithSalt rebuilds the same Encryptor a passphrase produced,
// given the salt that was stored alongside the ciphertext.
func NewEncryptorWithSalt(passphrase string, salt []byte) (*Encryptor, error) {
	if len(salt) != saltSize {
		return nil, errors.New("security: invalid salt size")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, keySize, sha256.New)
	return newEncryptorFromKey(key, salt)
}

func newEncryptorFromKey(key, salt []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation, to be stored alongside the
// ciphertext so a passphrase-derived key can be reconstructed.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Seal encrypts plaintext, returning ciphertext with the nonce prepended.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (e *Encryptor) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("security: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return e.gcm.Open(nil, nonce, body, nil)
}
