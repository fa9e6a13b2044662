package store

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/chinmina/regtoken/internal/config"
	"github.com/chinmina/regtoken/internal/store/encryption"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates a backend implementation based on the provided
// configuration. Every backend is wrapped with metrics instrumentation.
//
// The store type must be one of "memory", "redis" or "keyring". Any other
// value returns an error.
func NewFromConfig[T any](ctx context.Context, storeConfig config.StoreConfig) (Backend[T], error) {
	switch storeConfig.Type {
	case "redis":
		log.Info().
			Str("store_type", "redis").
			Str("address", storeConfig.Redis.Address).
			Bool("tls", storeConfig.Redis.TLS).
			Bool("encrypted", storeConfig.Encryption.Enabled).
			Msg("initializing distributed token store")

		if storeConfig.Redis.Address == "" {
			return nil, fmt.Errorf("redis address is required when store type is redis")
		}

		opts := &redis.Options{
			Addr:     storeConfig.Redis.Address,
			Username: storeConfig.Redis.Username,
			Password: storeConfig.Redis.Password,
			DB:       storeConfig.Redis.DB,
		}

		if storeConfig.Redis.TLS {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client := redis.NewClient(opts)

		var strategy EncryptionStrategy
		if storeConfig.Encryption.Enabled {
			identity, err := encryption.LoadIdentity(ctx, storeConfig.Encryption, encryption.NewKMSClient)
			if err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("initializing encryption: %w", err)
			}
			strategy = NewAgeEncryptionStrategy(identity)

			log.Info().Str("recipient", identity.Recipient().String()).Msg("token store encryption enabled")
		}

		distributed, err := NewRedis[T](client, storeConfig.Redis.Prefix, strategy)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}

		return NewInstrumented(distributed, "redis"), nil

	case "keyring":
		log.Info().
			Str("store_type", "keyring").
			Str("service", storeConfig.Keyring.Service).
			Msg("initializing keyring token store")

		kr, err := NewKeyring[T](storeConfig.Keyring.Service)
		if err != nil {
			return nil, fmt.Errorf("failed to create keyring store: %w", err)
		}

		return NewInstrumented(kr, "keyring"), nil

	case "memory":
		log.Info().
			Str("store_type", "memory").
			Int("max_size", storeConfig.MaxSize).
			Msg("initializing in-memory token store")

		memory, err := NewMemory[T](0, storeConfig.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil

	default:
		return nil, fmt.Errorf("invalid store type %q: must be one of \"memory\", \"redis\" or \"keyring\"", storeConfig.Type)
	}
}
