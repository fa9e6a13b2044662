package token

import (
	"fmt"
	"maps"
	"strconv"
)

// Recognized option names. Any other option is passed through to the
// registration service unchanged.
const (
	OptionPushCredential = "apns_token"
	OptionSandbox        = "apns_sandbox"
	OptionAppID          = "gmp_app_id"
)

// Options are caller supplied parameters for a token fetch.
type Options map[string]any

// PushCredential extracts the push credential from the options. It returns
// nil when no credential was supplied. When the sandbox flag is omitted it is
// inferred with isSandbox, which may be nil to mean production.
func (o Options) PushCredential(isSandbox func() bool) (*PushCredential, error) {
	raw, ok := o[OptionPushCredential]
	if !ok || raw == nil {
		return nil, nil
	}

	credential, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be bytes, got %T", ErrInvalidRequest, OptionPushCredential, raw)
	}
	if len(credential) == 0 {
		return nil, ErrMissingPushCredential
	}

	var sandbox bool
	switch v := o[OptionSandbox].(type) {
	case nil:
		if isSandbox != nil {
			sandbox = isSandbox()
		}
	case bool:
		sandbox = v
	default:
		return nil, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidRequest, OptionSandbox, v)
	}

	return NewPushCredential(credential, sandbox), nil
}

// AppID returns the owning-app identifier, if supplied as a string.
func (o Options) AppID() string {
	id, _ := o[OptionAppID].(string)
	return id
}

// Clone returns a shallow copy of the options.
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	return maps.Clone(o)
}

// Encode renders the options in the string form sent to the registration
// service, replacing the recognized options with their canonical values:
// hex credential, "1"/"0" sandbox flag and the app ID.
func (o Options) Encode(credential *PushCredential, appID string) map[string]string {
	encoded := make(map[string]string, len(o)+3)
	for k, v := range o {
		switch k {
		case OptionPushCredential, OptionSandbox, OptionAppID:
			continue
		}
		switch tv := v.(type) {
		case string:
			encoded[k] = tv
		case bool:
			encoded[k] = boolFlag(tv)
		case []byte:
			encoded[k] = string(tv)
		case int:
			encoded[k] = strconv.Itoa(tv)
		case float64:
			// JSON numbers decode as float64
			encoded[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		default:
			encoded[k] = fmt.Sprint(tv)
		}
	}

	if credential != nil {
		encoded[OptionPushCredential] = credential.Hex()
		encoded[OptionSandbox] = boolFlag(credential.Sandbox)
	}
	if appID != "" {
		encoded[OptionAppID] = appID
	}

	return encoded
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
