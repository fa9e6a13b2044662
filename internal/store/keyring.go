package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

const keyringRecordPrefix = "token/"

// Keyring stores records in the OS-native credential store (macOS Keychain,
// Windows Credential Manager, Linux Secret Service). Each record is one item
// under the service; an index item lists the stored keys since keyrings
// cannot be enumerated portably.
// The generic type T represents the record type being stored.
type Keyring[T any] struct {
	service string
	codec   recordCodec[T]

	// guards the index item, which is read-modify-write
	mu sync.Mutex
}

// Compile-time check to ensure Keyring implements Backend
var _ Backend[struct{}] = (*Keyring[struct{}])(nil)

// NewKeyring creates a keyring backend storing items under service.
func NewKeyring[T any](service string) (*Keyring[T], error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	codec, err := newRecordCodec[T]()
	if err != nil {
		return nil, err
	}

	return &Keyring[T]{
		service: service,
		codec:   codec,
	}, nil
}

func (k *Keyring[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	record, err := k.read(key)
	if errors.Is(err, keyring.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}

	return record, true, nil
}

func (k *Keyring[T]) read(key string) (T, error) {
	var zero T

	encoded, err := keyring.Get(k.service, keyringRecordPrefix+key)
	if err != nil {
		return zero, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return zero, fmt.Errorf("decoding keyring item %q: %w", key, err)
	}

	return k.codec.unmarshal(data)
}

func (k *Keyring[T]) Set(ctx context.Context, key string, record T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := k.codec.marshal(record)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, keyringRecordPrefix+key, base64.StdEncoding.EncodeToString(data)); err != nil {
		return fmt.Errorf("writing keyring item %q: %w", key, err)
	}

	keys, err := k.readIndex()
	if err != nil {
		return err
	}
	if !slices.Contains(keys, key) {
		return k.writeIndex(append(keys, key))
	}
	return nil
}

func (k *Keyring[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	err := keyring.Delete(k.service, keyringRecordPrefix+key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring item %q: %w", key, err)
	}

	keys, err := k.readIndex()
	if err != nil {
		return err
	}
	if i := slices.Index(keys, key); i >= 0 {
		return k.writeIndex(slices.Delete(keys, i, i+1))
	}
	return nil
}

func (k *Keyring[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	keys, err := k.readIndex()
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}

	records := make([]T, 0, len(keys))
	for _, key := range keys {
		record, err := k.read(key)
		if errors.Is(err, keyring.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func (k *Keyring[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.readIndex()
	if err != nil {
		return err
	}

	for _, key := range keys {
		err := keyring.Delete(k.service, keyringRecordPrefix+key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting keyring item %q: %w", key, err)
		}
	}

	return k.writeIndex(nil)
}

// Close is a no-op: keyring access is stateless.
func (k *Keyring[T]) Close() error {
	return nil
}

func (k *Keyring[T]) readIndex() ([]string, error) {
	encoded, err := keyring.Get(k.service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring index: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}

	var keys []string
	if err := k.codec.dec.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	return keys, nil
}

func (k *Keyring[T]) writeIndex(keys []string) error {
	if len(keys) == 0 {
		err := keyring.Delete(k.service, indexKey)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("writing keyring index: %w", err)
		}
		return nil
	}

	data, err := k.codec.enc.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding keyring index: %w", err)
	}

	if err := keyring.Set(k.service, indexKey, base64.StdEncoding.EncodeToString(data)); err != nil {
		return fmt.Errorf("writing keyring index: %w", err)
	}
	return nil
}
