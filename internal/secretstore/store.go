// Package secretstore holds sensitive adapter configuration values
// (API keys, passwords, session tokens) encrypted at rest and hands
// them to adapter children as plaintext only at process launch
// (spec §4.2).
package secretstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ReferencePrefix marks a configBag string value as a secret
// reference rather than plaintext (spec §6 "Secret reference syntax").
const ReferencePrefix = "$secret:"

// ErrUnknownReference is returned by Resolve when the reference has no
// matching record (spec §7 UnknownReference).
var ErrUnknownReference = errors.New("secretstore: unknown reference")

// Record is one persisted secret at rest.
type Record struct {
	Reference string
	Ciphertext []byte
	CreatedAt time.Time
}

// Backend persists secret records. internal/store provides the
// sqlite-backed implementation; tests use an in-memory one.
type Backend interface {
	PutSecret(ref string, ciphertext []byte, createdAt time.Time) error
	GetSecret(ref string) ([]byte, bool, error)
	DeleteSecret(ref string) error
}

// Store is the secret store described in spec §4.2. It is safe for
// concurrent use; the backend is responsible for serialising writes
// (spec §5 "The secret store serialises around a database write
// lock").
type Store struct {
	backend Backend
	crypto  *cryptoManager
}

// Open loads (or generates) the master key rooted at dataDir and
// returns a Store backed by the given persistence backend.
func Open(dataDir string, backend Backend) (*Store, error) {
	crypto, err := newCryptoManagerAt(dataDir)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open: %w", err)
	}
	return &Store{backend: backend, crypto: crypto}, nil
}

// IsReference reports whether value is a secret reference rather than
// a plaintext configuration value.
func (s *Store) IsReference(value string) bool {
	return len(value) > len(ReferencePrefix) && value[:len(ReferencePrefix)] == ReferencePrefix
}

// Store encrypts plaintext and returns a newly minted opaque
// reference. The ciphertext, not the plaintext, is what touches disk.
func (s *Store) Store(plaintext string) (string, error) {
	ref, err := newReference()
	if err != nil {
		return "", err
	}

	ciphertext, err := s.crypto.encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("secretstore: store: %w", err)
	}

	if err := s.backend.PutSecret(ref, ciphertext, time.Now()); err != nil {
		return "", fmt.Errorf("secretstore: store: %w", err)
	}
	return ref, nil
}

// Resolve returns the plaintext behind a reference, or
// ErrUnknownReference if no record exists.
func (s *Store) Resolve(reference string) (string, error) {
	ciphertext, ok, err := s.backend.GetSecret(reference)
	if err != nil {
		return "", fmt.Errorf("secretstore: resolve: %w", err)
	}
	if !ok {
		return "", ErrUnknownReference
	}

	plaintext, err := s.crypto.decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secretstore: resolve: %w", err)
	}
	return string(plaintext), nil
}

// ResolveBag walks a config bag, substituting any secret reference
// string with its plaintext. Non-string and non-reference values pass
// through unchanged. The returned map is a new map; the input is never
// mutated (spec §5: "Secrets are resolved only at the moment of start
// and never cached in the parent" — the caller owns the lifetime of
// the result and must not retain it beyond handing it to the child).
func (s *Store) ResolveBag(bag map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(bag))
	for k, v := range bag {
		str, ok := v.(string)
		if !ok || !s.IsReference(str) {
			resolved[k] = v
			continue
		}
		plaintext, err := s.Resolve(str)
		if err != nil {
			return nil, fmt.Errorf("secretstore: resolve key %q: %w", k, err)
		}
		resolved[k] = plaintext
	}
	return resolved, nil
}

// DeleteForBag erases every secret reference found in bag. It is
// idempotent: deleting an already-absent reference is not an error.
func (s *Store) DeleteForBag(bag map[string]any) error {
	for _, v := range bag {
		str, ok := v.(string)
		if !ok || !s.IsReference(str) {
			continue
		}
		if err := s.backend.DeleteSecret(str); err != nil {
			return fmt.Errorf("secretstore: delete: %w", err)
		}
	}
	return nil
}

// Redact renders a value for display to the reasoning layer or any
// listing tool: references become a non-reversible placeholder,
// plaintext passes through (spec §4.2 rationale, §8 property 5).
func Redact(value string, s *Store) string {
	if s.IsReference(value) {
		return "[encrypted]"
	}
	return value
}

func newReference() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secretstore: generate reference: %w", err)
	}
	return ReferencePrefix + hex.EncodeToString(buf), nil
}
