package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const keyFileName = ".encryption.key"
const masterKeyLength = 32

// secretAtRestPurpose scopes the subkey encrypt/decrypt seal under, so
// a future purpose (e.g. export-blob encryption, which instead derives
// its key straight from a passphrase via DeriveExportKey) can never
// collide with secret-at-rest key material even though both ultimately
// trace back to the same master key.
const secretAtRestPurpose = "secret-at-rest"

// swappable for tests, mirroring the teacher's crypto package indirections.
var (
	randReader io.Reader                                   = rand.Reader
	newGCM     func(cipher.Block) (cipher.AEAD, error) = cipher.NewGCM
)

// cryptoManager holds the process's master key and performs AEAD
// encryption at rest plus purpose-scoped key derivation (spec §4.2).
type cryptoManager struct {
	key     []byte
	keyPath string
}

// newCryptoManagerAt loads (or generates) the master key rooted at dir.
func newCryptoManagerAt(dir string) (*cryptoManager, error) {
	key, err := getOrCreateKeyAt(dir)
	if err != nil {
		return nil, err
	}
	return &cryptoManager{
		key:     key,
		keyPath: filepath.Join(dir, keyFileName),
	}, nil
}

func getOrCreateKeyAt(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		decoded, decodeErr := base64.StdEncoding.DecodeString(string(data))
		if decodeErr == nil && len(decoded) == masterKeyLength {
			return decoded, nil
		}
		// Fall through to regenerate; an unreadable or wrong-length key
		// file is treated the same as a missing one.
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secretstore: read key file: %w", err)
	}

	key := make([]byte, masterKeyLength)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("secretstore: generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("secretstore: write key file: %w", err)
	}
	return key, nil
}

// deriveKey derives a purpose-scoped subkey from the master key using
// HKDF-SHA256, so that distinct concerns (secret-at-rest encryption vs.
// export-blob encryption) never share key material.
func (cm *cryptoManager) deriveKey(purpose string, length int) ([]byte, error) {
	if cm == nil || len(cm.key) == 0 {
		return nil, errors.New("secretstore: crypto manager has no key")
	}
	if length <= 0 {
		return nil, errors.New("secretstore: derive key: length must be positive")
	}
	if purpose == "" {
		return nil, errors.New("secretstore: derive key: purpose is required")
	}

	reader := hkdf.New(sha256.New, cm.key, nil, []byte(purpose))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("secretstore: derive key: %w", err)
	}
	return out, nil
}

// encrypt seals plaintext under a secret-at-rest subkey derived from
// the master key, AES-256-GCM with a random 96-bit nonce, returning
// nonce||ciphertext||tag.
func (cm *cryptoManager) encrypt(plaintext []byte) ([]byte, error) {
	subkey, err := cm.deriveKey(secretAtRestPurpose, masterKeyLength)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("secretstore: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (cm *cryptoManager) decrypt(data []byte) ([]byte, error) {
	subkey, err := cm.deriveKey(secretAtRestPurpose, masterKeyLength)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("secretstore: ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secretstore: decrypt: %w", err)
	}
	return plaintext, nil
}
