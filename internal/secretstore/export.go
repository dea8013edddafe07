package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// exportKDFIterations and ExportSaltLength match the passphrase-based
// export scheme the teacher uses for its own configuration backups
// (see SPEC_FULL.md §4.2).
const (
	exportKDFIterations = 100000
	exportKeyLength     = 32
	ExportSaltLength    = 16
)

// DeriveExportKey derives a key from a user-supplied passphrase for
// encrypting a full configuration export. It is independent of the
// daemon's own master key so an export remains decryptable without
// access to the machine that produced it.
func DeriveExportKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, exportKDFIterations, exportKeyLength, sha256.New)
}

// EncryptWithKey seals plaintext under an arbitrary 32-byte key,
// independent of the store's own master key. Used for export blobs.
func EncryptWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: export cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: export gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("secretstore: export nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// DecryptWithKey reverses EncryptWithKey.
func DecryptWithKey(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: export cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: export gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("secretstore: export blob too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secretstore: export decrypt: %w", err)
	}
	return plaintext, nil
}
