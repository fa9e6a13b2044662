package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// indexKey names the set tracking every stored key, so records can be listed
// and cleared without scanning the keyspace.
const indexKey = "index"

// Redis implements Backend using a Redis server. Records are CBOR encoded and
// optionally encrypted by the configured strategy.
// The generic type T represents the record type being stored.
type Redis[T any] struct {
	client   redis.UniversalClient
	prefix   string
	strategy EncryptionStrategy
	codec    recordCodec[T]
}

// Compile-time check to ensure Redis implements Backend
var _ Backend[struct{}] = (*Redis[struct{}])(nil)

// NewRedis creates a new Redis-backed store. All keys are written under
// prefix. The strategy parameter controls encryption of stored values; nil
// defaults to NoEncryptionStrategy.
func NewRedis[T any](client redis.UniversalClient, prefix string, strategy EncryptionStrategy) (*Redis[T], error) {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	codec, err := newRecordCodec[T]()
	if err != nil {
		return nil, err
	}

	return &Redis[T]{
		client:   client,
		prefix:   prefix,
		strategy: strategy,
		codec:    codec,
	}, nil
}

func (r *Redis[T]) storageKey(key string) string {
	return r.prefix + r.strategy.StorageKey(key)
}

func (r *Redis[T]) index() string {
	return r.prefix + indexKey
}

// Get retrieves a record.
// Decryption failures are returned as errors; the corrupted entry is
// invalidated on a best-effort basis.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	val, err := r.client.Get(ctx, r.storageKey(key)).Result()
	if err != nil {
		// Key not found is not an error in our semantics
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get stored value: %w", err)
	}

	record, err := r.decode(ctx, key, val)
	if err != nil {
		return zero, false, err
	}

	return record, true, nil
}

func (r *Redis[T]) decode(ctx context.Context, key, val string) (T, error) {
	var zero T

	data, err := r.strategy.DecryptValue(ctx, val, key)
	if err != nil {
		// Best-effort invalidation of the corrupted entry.
		_ = r.Invalidate(ctx, key)

		return zero, fmt.Errorf("store decryption failure for key %q: %w", key, err)
	}

	return r.codec.unmarshal(data)
}

// Set stores a record and records its key in the index.
func (r *Redis[T]) Set(ctx context.Context, key string, record T) error {
	data, err := r.codec.marshal(record)
	if err != nil {
		return err
	}

	value, err := r.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.storageKey(key), value, 0)
		pipe.SAdd(ctx, r.index(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set stored value: %w", err)
	}
	return nil
}

// Invalidate removes a record and its index entry.
func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storageKey(key))
		pipe.SRem(ctx, r.index(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate stored value: %w", err)
	}
	return nil
}

// List reads every indexed record. Index entries whose record has gone are
// pruned; records that cannot be decoded are skipped and logged.
func (r *Redis[T]) List(ctx context.Context) ([]T, error) {
	keys, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read store index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	storageKeys := make([]string, len(keys))
	for i, k := range keys {
		storageKeys[i] = r.storageKey(k)
	}

	values, err := r.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stored values: %w", err)
	}

	records := make([]T, 0, len(values))
	for i, v := range values {
		val, ok := v.(string)
		if !ok {
			_ = r.client.SRem(ctx, r.index(), keys[i]).Err()
			continue
		}

		record, err := r.decode(ctx, keys[i], val)
		if err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("skipping unreadable stored record")
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// Clear removes every indexed record and the index itself.
func (r *Redis[T]) Clear(ctx context.Context) error {
	keys, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return fmt.Errorf("failed to read store index: %w", err)
	}

	toDelete := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		toDelete = append(toDelete, r.storageKey(k))
	}
	toDelete = append(toDelete, r.index())

	if err := r.client.Del(ctx, toDelete...).Err(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// Close releases resources associated with the client and encryption strategy.
func (r *Redis[T]) Close() error {
	if err := r.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	return r.client.Close()
}
