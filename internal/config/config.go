package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	App           AppConfig
	Identity      IdentityConfig
	Observe       ObserveConfig
	Registration  RegistrationConfig
	Server        ServerConfig
	Store         StoreConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// AppConfig describes the application instance tokens are issued for. The
// version and app ID are snapshotted into every cached token; a change to
// either makes the cached tokens stale.
type AppConfig struct {
	Version string `env:"APP_VERSION, required"`
	ID      string `env:"APP_ID"`

	// Sandbox is used when a caller supplies a push credential without saying
	// which delivery environment it belongs to.
	Sandbox bool `env:"APP_SANDBOX, default=false"`

	// RefreshInterval is the maximum age of a cached token before it is
	// fetched again. Zero disables age based refresh.
	RefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL, default=168h"`

	// PushScopes lists scopes that cannot be fetched without a push credential.
	PushScopes []string `env:"PUSH_SCOPES"`
}

// IdentityConfig selects where the device identity comes from: a YAML file
// maintained by the checkin process, or static values.
type IdentityConfig struct {
	File       string `env:"IDENTITY_FILE"`
	InstanceID string `env:"IDENTITY_INSTANCE_ID"`
	DeviceID   string `env:"IDENTITY_DEVICE_ID"`
	Secret     string `env:"IDENTITY_SECRET"`
}

type RegistrationConfig struct {
	URL     string        `env:"REGISTRATION_URL, default=https://fcmtoken.googleapis.com/register"`
	Timeout time.Duration `env:"REGISTRATION_TIMEOUT, default=30s"`
}

// StoreConfig specifies token store configuration.
type StoreConfig struct {
	// Type selects the store backend: "memory" (default), "redis" or "keyring".
	Type string `env:"STORE_TYPE, default=memory"`

	// MaxSize bounds the memory backend.
	MaxSize int `env:"STORE_MAX_SIZE, default=10000"`

	Redis      RedisConfig
	Keyring    KeyringConfig
	Encryption StoreEncryptionConfig
}

// RedisConfig specifies distributed store configuration.
type RedisConfig struct {
	// Address is the Redis server address (host:port).
	Address string `env:"REDIS_ADDRESS"`

	// TLS enables TLS connection to Redis. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"REDIS_TLS, default=true"`

	Username string `env:"REDIS_USERNAME"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`

	// Prefix namespaces all keys written by this service.
	Prefix string `env:"REDIS_KEY_PREFIX, default=regtoken:"`
}

type KeyringConfig struct {
	Service string `env:"KEYRING_SERVICE, default=regtoken"`
}

// StoreEncryptionConfig holds settings for encrypting stored records.
type StoreEncryptionConfig struct {
	// Enabled turns on encryption for stored tokens.
	// Requires STORE_TYPE=redis.
	Enabled bool `env:"STORE_ENCRYPTION_ENABLED, default=false"`

	// Identity is an age X25519 identity ("AGE-SECRET-KEY-1...").
	Identity string `env:"STORE_ENCRYPTION_IDENTITY"`

	// KMSCiphertext is the base64 KMS ciphertext of the age identity, used
	// instead of Identity so that the key is never held in plain text config.
	KMSCiphertext string `env:"STORE_ENCRYPTION_KMS_CIPHERTEXT"`

	// KMSKeyID optionally pins the KMS key used to decrypt KMSCiphertext.
	KMSKeyID string `env:"STORE_ENCRYPTION_KMS_KEY_ID"`
}

type AuthorizationConfig struct {
	Audience  string `env:"JWT_AUDIENCE, default=regtoken"`
	IssuerURL string `env:"JWT_ISSUER_URL, required"`

	// ConfigurationStatic is a JSON key set used instead of discovering the
	// keys from the issuer.
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=regtoken"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Store.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid store configuration: %w", err)
	}

	err = cfg.Identity.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid identity configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the store configuration is valid.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case "memory", "redis", "keyring":
	default:
		return fmt.Errorf("STORE_TYPE must be one of memory, redis or keyring, got %q", c.Type)
	}

	// Encryption requires the distributed store
	if c.Encryption.Enabled && c.Type != "redis" {
		return fmt.Errorf("store encryption requires STORE_TYPE=redis")
	}

	if c.Encryption.Enabled && c.Encryption.Identity == "" && c.Encryption.KMSCiphertext == "" {
		return fmt.Errorf("STORE_ENCRYPTION_IDENTITY or STORE_ENCRYPTION_KMS_CIPHERTEXT required when encryption enabled")
	}

	if c.Type == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("REDIS_ADDRESS required when STORE_TYPE=redis")
	}

	if c.Type == "memory" && c.MaxSize <= 0 {
		return fmt.Errorf("STORE_MAX_SIZE must be positive")
	}

	return nil
}

// Validate checks that exactly one identity source is configured.
func (c *IdentityConfig) Validate() error {
	static := c.InstanceID != "" || c.DeviceID != "" || c.Secret != ""

	if c.File != "" && static {
		return fmt.Errorf("IDENTITY_FILE cannot be combined with static identity values")
	}
	if c.File == "" && !static {
		return fmt.Errorf("IDENTITY_FILE or IDENTITY_INSTANCE_ID, IDENTITY_DEVICE_ID and IDENTITY_SECRET required")
	}
	if static && (c.InstanceID == "" || c.DeviceID == "" || c.Secret == "") {
		return fmt.Errorf("IDENTITY_INSTANCE_ID, IDENTITY_DEVICE_ID and IDENTITY_SECRET must all be set")
	}

	return nil
}
