// Package cryptox seals small JSON documents, such as remote connection
// parameters, with AES-GCM under a key derived from a passphrase.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	sealVersion = 1
	saltSize    = 16
	nonceSize   = 12
	keySize     = 32
)

// ErrUnseal is returned when sealed data is malformed, tampered with or was
// sealed under another passphrase.
var ErrUnseal = errors.New("cannot unseal data")

// DeriveKey stretches passphrase into an AES-256 key with Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize)
}

// Sealer seals and opens values under one passphrase. Each Seal draws a
// fresh salt and nonce, so sealing the same value twice gives different
// bytes.
//
// Layout: version(1) | salt(16) | nonce(12) | ciphertext.
type Sealer struct {
	passphrase []byte
}

// NewSealer returns a Sealer; an empty passphrase is rejected.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("seal passphrase is empty")
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// Seal marshals v to JSON and encrypts it.
func (s *Sealer) Seal(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	head := make([]byte, 1+saltSize+nonceSize)
	head[0] = sealVersion
	if _, err := rand.Read(head[1:]); err != nil {
		return nil, err
	}
	salt := head[1 : 1+saltSize]
	nonce := head[1+saltSize:]

	aead, err := newAEAD(DeriveKey(s.passphrase, salt))
	if err != nil {
		return nil, err
	}

	// header is bound as additional data
	return aead.Seal(head, nonce, plaintext, head), nil
}

// Open decrypts sealed and unmarshals the JSON into v.
func (s *Sealer) Open(sealed []byte, v any) error {
	if len(sealed) < 1+saltSize+nonceSize || sealed[0] != sealVersion {
		return ErrUnseal
	}
	head := sealed[:1+saltSize+nonceSize]
	salt := head[1 : 1+saltSize]
	nonce := head[1+saltSize:]

	aead, err := newAEAD(DeriveKey(s.passphrase, salt))
	if err != nil {
		return err
	}

	plaintext, err := aead.Open(nil, nonce, sealed[len(head):], head)
	if err != nil {
		return ErrUnseal
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
