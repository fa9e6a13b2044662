// Package remote performs registration token exchanges with the registration
// service.
package remote

import (
	"context"

	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/token"
)

// Action is the kind of registration exchange to perform.
type Action int

const (
	Fetch Action = iota
	Delete
	DeleteAll
)

func (a Action) String() string {
	switch a {
	case Fetch:
		return "fetch"
	case Delete:
		return "delete"
	case DeleteAll:
		return "delete_all"
	default:
		return "unknown"
	}
}

// Request is a single registration exchange.
type Request struct {
	Action     Action
	Key        token.Key
	Identity   identity.Identity
	AppVersion string

	// Options are sent with the request in their string form.
	Options map[string]string
}

// Operator performs a registration exchange exactly once. Retry, if any, is
// the responsibility of the implementation's transport.
type Operator interface {
	// Perform returns the issued token for a fetch. Delete actions return an
	// empty token on success.
	Perform(ctx context.Context, req Request) (string, error)
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(ctx context.Context, req Request) (string, error)

func (f OperatorFunc) Perform(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
