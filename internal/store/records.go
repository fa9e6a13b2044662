// Package store persists registration token records. Records are held in a
// pluggable Backend; Store adds key validation, serialized access and
// identity-cleared notifications on top.
package store

import (
	"context"
	"sync"

	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog/log"
)

// IdentityCleared is published after every record minted for an identity has
// been removed from the store.
type IdentityCleared struct {
	Identity identity.Identity
}

// Store is the token record cache. All access is serialized by a
// reader/writer lock, so multi-step mutations such as RemoveMatching are
// atomic with respect to other store calls.
type Store struct {
	backend Backend[token.Info]

	mu sync.RWMutex

	subMu  sync.Mutex
	subs   map[int]chan IdentityCleared
	nextID int
}

// NewStore creates a record store over backend. The store owns the backend
// and closes it on Close.
func NewStore(backend Backend[token.Info]) *Store {
	return &Store{
		backend: backend,
		subs:    map[int]chan IdentityCleared{},
	}
}

// Get returns the record for key, if one is cached.
func (s *Store) Get(ctx context.Context, key token.Key) (token.Info, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, found, err := s.backend.Get(ctx, key.String())
	if err != nil {
		return token.Info{}, false, token.StoreError{Op: "read", Key: key.String(), Cause: err}
	}
	return info, found, nil
}

// Put writes info, replacing any record with the same key. Failures match
// token.ErrStoreWriteFailed.
func (s *Store) Put(ctx context.Context, info token.Info) error {
	key := info.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	if key.IsWildcard() {
		return token.ErrInvalidAuthorizedEntity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(ctx, key.String(), info); err != nil {
		return token.StoreError{Op: "write", Key: key.String(), Cause: err}
	}
	return nil
}

// Remove deletes the record for key. Removing an absent record is not an
// error.
func (s *Store) Remove(ctx context.Context, key token.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Invalidate(ctx, key.String()); err != nil {
		return token.StoreError{Op: "remove", Key: key.String(), Cause: err}
	}
	return nil
}

// RemoveMatching removes every record for which match returns true and
// returns the removed records. The scan and removal happen under a single
// write lock.
func (s *Store) RemoveMatching(ctx context.Context, match func(token.Info) bool) ([]token.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeMatching(ctx, match)
}

func (s *Store) removeMatching(ctx context.Context, match func(token.Info) bool) ([]token.Info, error) {
	records, err := s.backend.List(ctx)
	if err != nil {
		return nil, token.StoreError{Op: "list", Cause: err}
	}

	var removed []token.Info
	for _, info := range records {
		if !match(info) {
			continue
		}

		key := info.Key().String()
		if err := s.backend.Invalidate(ctx, key); err != nil {
			return removed, token.StoreError{Op: "remove", Key: key, Cause: err}
		}
		removed = append(removed, info)
	}

	return removed, nil
}

// RemoveAll deletes every record.
func (s *Store) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return token.StoreError{Op: "clear", Cause: err}
	}
	return nil
}

// List returns a snapshot of all records in no particular order.
func (s *Store) List(ctx context.Context) ([]token.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.backend.List(ctx)
	if err != nil {
		return nil, token.StoreError{Op: "list", Cause: err}
	}
	return records, nil
}

// ClearIdentity removes every record minted for id and notifies subscribers,
// so that the tokens can also be deleted on the server.
func (s *Store) ClearIdentity(ctx context.Context, id identity.Identity) error {
	s.mu.Lock()
	removed, err := s.removeMatching(ctx, func(info token.Info) bool {
		return info.InstanceID == id.InstanceID
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info().
		Str("instanceID", id.InstanceID).
		Int("removed", len(removed)).
		Msg("store: cleared tokens for identity")

	s.publish(IdentityCleared{Identity: id})

	return nil
}

// Subscribe returns a channel receiving identity-cleared events, and a
// function that ends the subscription and closes the channel. Events are
// dropped for a subscriber whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan IdentityCleared, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan IdentityCleared, buffer)
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) publish(event IdentityCleared) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("instanceID", event.Identity.InstanceID).
				Msg("store: subscriber not keeping up, identity cleared event dropped")
		}
	}
}

// Close ends all subscriptions and closes the backend.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()

	return s.backend.Close()
}
