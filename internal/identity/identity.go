// Package identity supplies the installation identity and checkin credentials
// that registration tokens are bound to.
package identity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Identity is a device installation and the checkin credentials used to
// authenticate registration requests made on its behalf.
type Identity struct {
	InstanceID string `yaml:"instance_id"`
	DeviceID   string `yaml:"device_id"`
	Secret     string `yaml:"secret"`
}

// HasCheckin reports whether the identity carries usable checkin credentials.
func (i Identity) HasCheckin() bool {
	return i.DeviceID != "" && i.Secret != ""
}

// Validate checks that all identity fields are present.
func (i Identity) Validate() error {
	if i.InstanceID == "" {
		return errors.New("identity has no instance ID")
	}
	if !i.HasCheckin() {
		return errors.New("identity has no checkin credentials")
	}
	return nil
}

// MarshalZerologObject logs the identity without its secret.
func (i Identity) MarshalZerologObject(e *zerolog.Event) {
	e.Str("instanceID", i.InstanceID).Str("deviceID", i.DeviceID)
}

// Provider resolves the current device identity.
type Provider interface {
	// Resolve returns the identity, loading it if required.
	Resolve(ctx context.Context) (Identity, error)

	// Current returns the identity most recently resolved, without performing
	// any I/O. The boolean is false when no identity is available, for
	// example after a reset.
	Current() (Identity, bool)
}

// Static is a Provider for a fixed identity.
type Static struct {
	identity Identity
}

// Compile-time check to ensure Static implements Provider
var _ Provider = (*Static)(nil)

// NewStatic creates a provider returning the supplied identity. An identity
// without checkin credentials is treated as absent.
func NewStatic(id Identity) *Static {
	return &Static{identity: id}
}

func (s *Static) Resolve(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if err := s.identity.Validate(); err != nil {
		return Identity{}, err
	}
	return s.identity, nil
}

func (s *Static) Current() (Identity, bool) {
	if s.identity.Validate() != nil {
		return Identity{}, false
	}
	return s.identity, true
}
