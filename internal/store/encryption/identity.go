// Package encryption loads the age identity used to encrypt stored token
// records.
package encryption

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/chinmina/regtoken/internal/config"
)

// KMSClient defines the AWS API surface required to unwrap the identity.
type KMSClient interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// LoadIdentity returns the age identity from configuration. A plain identity
// is parsed directly; otherwise the KMS ciphertext is decrypted with the
// client returned by newClient, which is only called when needed.
func LoadIdentity(ctx context.Context, cfg config.StoreEncryptionConfig, newClient func(context.Context) (KMSClient, error)) (*age.X25519Identity, error) {
	if cfg.Identity != "" {
		return parseIdentity(cfg.Identity)
	}

	if cfg.KMSCiphertext == "" {
		return nil, fmt.Errorf("no store encryption identity configured")
	}

	blob, err := base64.StdEncoding.DecodeString(cfg.KMSCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding KMS ciphertext: %w", err)
	}

	client, err := newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	in := &kms.DecryptInput{CiphertextBlob: blob}
	if cfg.KMSKeyID != "" {
		in.KeyId = aws.String(cfg.KMSKeyID)
	}

	out, err := client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}

	return parseIdentity(string(out.Plaintext))
}

// NewKMSClient creates a KMS client from the default AWS configuration chain.
func NewKMSClient(ctx context.Context) (KMSClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return kms.NewFromConfig(awsCfg), nil
}

func parseIdentity(s string) (*age.X25519Identity, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return id, nil
}
