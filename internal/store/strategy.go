package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// valuePrefix is the marker prepended to encrypted values to distinguish
// them from plaintext entries during rollout.
const valuePrefix = "rt-enc:"

// storageKeyPrefix is prepended to keys when encryption is active,
// providing namespace separation between encrypted and plaintext entries.
const storageKeyPrefix = "enc:"

// EncryptionStrategy defines how stored values are encrypted, decrypted,
// and how storage keys are decorated. Two implementations exist:
// NoEncryptionStrategy (pass-through) and AgeEncryptionStrategy.
type EncryptionStrategy interface {
	// EncryptValue encrypts record bytes for storage. The key is bound to the
	// ciphertext so a value cannot be replayed under another key.
	EncryptValue(ctx context.Context, record []byte, key string) (string, error)

	// DecryptValue decrypts a stored value back to record bytes. The key
	// must match the key used during encryption.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	// StorageKey returns the storage key, potentially decorated with a prefix.
	StorageKey(key string) string

	// Close releases resources held by the strategy.
	Close() error
}

// NoEncryptionStrategy is a pass-through that stores values as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, record []byte, _ string) (string, error) {
	return string(record), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// AgeEncryptionStrategy encrypts values to an age X25519 identity. age has no
// associated data, so the storage key is sealed inside the payload as a
// length-prefixed header and checked on decryption. Ciphertext is
// base64-encoded and prefixed with "rt-enc:".
type AgeEncryptionStrategy struct {
	identity  age.Identity
	recipient age.Recipient
}

// NewAgeEncryptionStrategy creates an encryption strategy for the identity.
func NewAgeEncryptionStrategy(identity *age.X25519Identity) *AgeEncryptionStrategy {
	return &AgeEncryptionStrategy{
		identity:  identity,
		recipient: identity.Recipient(),
	}
}

func (s *AgeEncryptionStrategy) EncryptValue(_ context.Context, record []byte, key string) (string, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.recipient)
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%d:%s", len(key), key); err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	if _, err := w.Write(record); err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}

	return valuePrefix + base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

func (s *AgeEncryptionStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	if !strings.HasPrefix(value, valuePrefix) {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, valuePrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(decoded), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	header := fmt.Sprintf("%d:%s", len(key), key)
	if !bytes.HasPrefix(plaintext, []byte(header)) {
		return nil, fmt.Errorf("decryption failed: value was not written for key %q", key)
	}

	return plaintext[len(header):], nil
}

func (s *AgeEncryptionStrategy) StorageKey(key string) string {
	return storageKeyPrefix + key
}

func (s *AgeEncryptionStrategy) Close() error {
	return nil
}
