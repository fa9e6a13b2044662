package token

import (
	"bytes"
	"encoding/hex"
	"time"
)

// Wildcard is the reserved entity and scope value addressing every token held
// for an identity. It is only valid for bulk deletion.
const Wildcard = "*"

// DefaultScope is the scope of the default messaging token. Stale default
// tokens are refetched eagerly rather than deleted.
const DefaultScope = "*"

// Key identifies a cached token record.
type Key struct {
	AuthorizedEntity string `json:"authorizedEntity" cbor:"1,keyasint"`
	Scope            string `json:"scope" cbor:"2,keyasint"`
}

// WildcardKey addresses all tokens for an identity.
var WildcardKey = Key{AuthorizedEntity: Wildcard, Scope: Wildcard}

// String returns the storage form of the key.
func (k Key) String() string {
	return k.AuthorizedEntity + ":" + k.Scope
}

// IsWildcard reports whether the key is the reserved bulk-delete key.
func (k Key) IsWildcard() bool {
	return k == WildcardKey
}

// Validate checks the key components are non-empty. Values are otherwise
// opaque and are not trimmed.
func (k Key) Validate() error {
	if k.AuthorizedEntity == "" {
		return ErrInvalidAuthorizedEntity
	}
	if k.Scope == "" {
		return ErrInvalidScope
	}
	return nil
}

// PushCredential is the device push token in effect when a registration
// token was minted, along with the delivery environment it belongs to.
type PushCredential struct {
	Token   []byte `json:"token" cbor:"1,keyasint"`
	Sandbox bool   `json:"sandbox" cbor:"2,keyasint"`
}

// NewPushCredential copies the supplied bytes so the caller may reuse them.
func NewPushCredential(credential []byte, sandbox bool) *PushCredential {
	return &PushCredential{
		Token:   bytes.Clone(credential),
		Sandbox: sandbox,
	}
}

// Equal compares credentials structurally. Two nil credentials are equal.
func (p *PushCredential) Equal(other *PushCredential) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.Sandbox == other.Sandbox && bytes.Equal(p.Token, other.Token)
}

// Hex returns the credential bytes in the lowercase hex form expected by the
// registration service.
func (p *PushCredential) Hex() string {
	if p == nil {
		return ""
	}
	return hex.EncodeToString(p.Token)
}

// Info is a cached registration token and the context it was minted in.
type Info struct {
	AuthorizedEntity string          `json:"authorizedEntity" cbor:"1,keyasint"`
	Scope            string          `json:"scope" cbor:"2,keyasint"`
	Token            string          `json:"token" cbor:"3,keyasint"`
	AppVersion       string          `json:"appVersion" cbor:"4,keyasint"`
	AppID            string          `json:"appID,omitempty" cbor:"5,keyasint,omitempty"`
	PushCredential   *PushCredential `json:"pushCredential,omitempty" cbor:"6,keyasint,omitempty"`
	InstanceID       string          `json:"instanceID" cbor:"7,keyasint"`
	CacheTime        time.Time       `json:"cacheTime" cbor:"8,keyasint"`
}

// Key returns the record's identity.
func (i Info) Key() Key {
	return Key{AuthorizedEntity: i.AuthorizedEntity, Scope: i.Scope}
}

// Freshness describes the environment a cached token must still match to be
// served without contacting the registration service.
type Freshness struct {
	InstanceID      string
	AppVersion      string
	AppID           string
	RefreshInterval time.Duration
	Now             time.Time
}

// IsFresh reports whether nothing relevant has changed since the record was
// cached: same identity, same app version and app ID, and not older than the
// refresh interval. A zero refresh interval disables the age check.
func (i Info) IsFresh(f Freshness) bool {
	if f.InstanceID == "" || i.InstanceID != f.InstanceID {
		return false
	}
	if i.CacheTime.IsZero() {
		return false
	}
	if i.AppVersion == "" || i.AppVersion != f.AppVersion {
		return false
	}
	if i.AppID != f.AppID {
		return false
	}
	if f.RefreshInterval > 0 && f.Now.Sub(i.CacheTime) >= f.RefreshInterval {
		return false
	}
	return true
}
