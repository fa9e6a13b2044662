package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks is an ordered list of cleanup steps run when the server
// stops. Hooks run in the order they were added, so dependants should be
// added before the resources they use.
type ShutdownHooks struct {
	mu       sync.Mutex
	hooks    []hookDefinition
	executed bool
}

// AddContext registers a hook that receives the shutdown context, which
// carries the shutdown deadline. Nil hooks are ignored with a warning.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddClose registers closer to be closed on shutdown.
func (s *ShutdownHooks) AddClose(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.Add(name, closer.Close)
}

// Execute runs every hook once, in order, continuing past failures. The
// failures are returned joined. Subsequent calls do nothing.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return nil
	}
	s.executed = true
	hooks := s.hooks
	s.mu.Unlock()

	l := log.Ctx(ctx)

	var errs []error
	for _, hook := range hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}

	return errors.Join(errs...)
}
