// Package manager implements the registration token lifecycle: serving
// cached tokens while they remain fresh, fetching and deleting tokens through
// the operation queue, and invalidating tokens when the device push
// credential or identity changes.
package manager

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/queue"
	"github.com/chinmina/regtoken/internal/remote"
	"github.com/chinmina/regtoken/internal/store"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// identityEventBuffer bounds how many identity-cleared events can wait for
// the listener before the store drops them.
const identityEventBuffer = 16

// Environment is the application context tokens are minted for.
type Environment struct {
	AppVersion string
	AppID      string

	// IsSandbox infers the delivery environment of a push credential supplied
	// without an explicit sandbox flag. Nil means production.
	IsSandbox func() bool

	// RefreshInterval is the maximum age of a cached token. Zero disables age
	// based refresh.
	RefreshInterval time.Duration

	// PushScopes cannot be fetched without a push credential.
	PushScopes []string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager coordinates the token store, the identity provider and the
// operation queue.
type Manager struct {
	store      *store.Store
	identities identity.Provider
	queue      *queue.Queue
	env        Environment

	// guards credential, held for the whole invalidation scan
	credMu     sync.Mutex
	credential *token.PushCredential

	closed       atomic.Bool
	unsubscribe  func()
	listenerDone chan struct{}
}

// New creates a manager. The manager takes ownership of q and stops it on
// Close. It subscribes to identity-cleared events from s for its lifetime.
func New(s *store.Store, identities identity.Provider, q *queue.Queue, env Environment) *Manager {
	if env.Now == nil {
		env.Now = time.Now
	}

	events, unsubscribe := s.Subscribe(identityEventBuffer)

	m := &Manager{
		store:        s,
		identities:   identities,
		queue:        q,
		env:          env,
		unsubscribe:  unsubscribe,
		listenerDone: make(chan struct{}),
	}

	go m.listen(events)

	return m
}

// listen deletes server-side tokens for every identity cleared from the
// store. Failures are only logged: nothing waits on the result.
func (m *Manager) listen(events <-chan store.IdentityCleared) {
	defer close(m.listenerDone)

	for event := range events {
		cleared := event.Identity
		if !cleared.HasCheckin() {
			log.Info().
				Str("instanceID", cleared.InstanceID).
				Msg("identity cleared without checkin credentials, skipping server delete")
			continue
		}

		m.queue.Submit(context.Background(), queue.Operation{
			Request: remote.Request{
				Action:     remote.DeleteAll,
				Key:        token.WildcardKey,
				Identity:   cleared,
				AppVersion: m.env.AppVersion,
			},
			OnComplete: func(ctx context.Context, result queue.Result) {
				if result.Err != nil && !token.IsCancelled(result.Err) {
					log.Warn().Err(result.Err).
						Str("instanceID", cleared.InstanceID).
						Msg("server delete for cleared identity failed")
				}
			},
		})
	}
}

// GetToken returns a token for the entity and scope, from the cache when the
// cached token is still fresh and bound to the same push credential, and from
// the registration service otherwise.
func (m *Manager) GetToken(ctx context.Context, authorizedEntity, scope string, options token.Options) (string, error) {
	if m.closed.Load() {
		return "", token.ErrInvalidStart
	}

	key := token.Key{AuthorizedEntity: authorizedEntity, Scope: scope}
	if err := key.Validate(); err != nil {
		return "", err
	}
	if key.IsWildcard() {
		return "", token.ErrInvalidAuthorizedEntity
	}

	credential, err := options.PushCredential(m.env.IsSandbox)
	if err != nil {
		return "", err
	}
	if credential == nil {
		credential = m.CurrentPushCredential()
	}
	if credential == nil && slices.Contains(m.env.PushScopes, scope) {
		return "", token.ErrMissingPushCredential
	}

	appID := options.AppID()
	if appID == "" {
		appID = m.env.AppID
	}

	ctx, span := startSpan(ctx, "get_token", key)
	defer span.End()

	id, err := m.identities.Resolve(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", token.ErrInvalidKeyPair, err)
	}

	cached, found, err := m.store.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Stringer("key", key).Msg("token cache read failed, fetching")
	}
	if found && cached.PushCredential.Equal(credential) && cached.IsFresh(m.freshness(id.InstanceID, appID)) {
		span.SetAttributes(attribute.Bool("token.cached", true))
		return cached.Token, nil
	}
	span.SetAttributes(attribute.Bool("token.cached", false))

	op := queue.Operation{
		Request: remote.Request{
			Action:     remote.Fetch,
			Key:        key,
			Identity:   id,
			AppVersion: m.env.AppVersion,
			Options:    options.Encode(credential, appID),
		},
		OnComplete: func(ctx context.Context, result queue.Result) {
			if result.Err != nil {
				return
			}

			info := token.Info{
				AuthorizedEntity: key.AuthorizedEntity,
				Scope:            key.Scope,
				Token:            result.Token,
				AppVersion:       m.env.AppVersion,
				AppID:            appID,
				PushCredential:   credential,
				InstanceID:       id.InstanceID,
				CacheTime:        m.env.Now().UTC(),
			}

			// the token is still returned; it is fetched again next time
			if err := m.store.Put(ctx, info); err != nil {
				log.Ctx(ctx).Warn().Err(err).Stringer("key", key).Msg("token fetched but could not be cached")
			}
		},
	}

	result, err := m.queue.Submit(ctx, op).Wait(ctx)
	if err != nil {
		return "", err
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "token fetch failed")
		return "", result.Err
	}

	return result.Token, nil
}

// DeleteToken removes the cached token for the entity and scope, then
// deletes it on the server. The local removal is not rolled back if the
// server delete fails.
func (m *Manager) DeleteToken(ctx context.Context, authorizedEntity, scope string, id identity.Identity) error {
	if m.closed.Load() {
		return token.ErrInvalidStart
	}

	key := token.Key{AuthorizedEntity: authorizedEntity, Scope: scope}
	if err := key.Validate(); err != nil {
		return err
	}
	if !id.HasCheckin() {
		return token.ErrInvalidKeyPair
	}

	ctx, span := startSpan(ctx, "delete_token", key)
	defer span.End()

	// the wildcard key addresses every token for the identity
	action := remote.Delete
	remove := func(ctx context.Context) error { return m.store.Remove(ctx, key) }
	if key.IsWildcard() {
		action = remote.DeleteAll
		remove = m.store.RemoveAll
	}

	if err := remove(ctx); err != nil {
		return err
	}

	op := queue.Operation{
		Request: remote.Request{
			Action:     action,
			Key:        key,
			Identity:   id,
			AppVersion: m.env.AppVersion,
		},
		OnStart: func(ctx context.Context) {
			// a fetch queued ahead of this delete may have cached the key again
			if err := remove(ctx); err != nil {
				log.Ctx(ctx).Warn().Err(err).Stringer("key", key).Msg("token cache removal failed")
			}
		},
	}

	result, err := m.queue.Submit(ctx, op).Wait(ctx)
	if err != nil {
		return err
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "token delete failed")
	}
	return result.Err
}

// DeleteAllTokens deletes every token for the identity on the server and,
// on success, clears the local cache. When the identity provider has no
// current identity the tokens are already gone and nothing is sent.
func (m *Manager) DeleteAllTokens(ctx context.Context, id identity.Identity) error {
	if m.closed.Load() {
		return token.ErrInvalidStart
	}

	current, ok := m.identities.Current()
	if !ok {
		log.Ctx(ctx).Info().Msg("no current identity, skipping server delete of all tokens")
		return nil
	}
	if id == (identity.Identity{}) {
		id = current
	}
	if !id.HasCheckin() {
		return token.ErrInvalidKeyPair
	}

	ctx, span := startSpan(ctx, "delete_all_tokens", token.WildcardKey)
	defer span.End()

	var clearErr error
	op := queue.Operation{
		Request: remote.Request{
			Action:     remote.DeleteAll,
			Key:        token.WildcardKey,
			Identity:   id,
			AppVersion: m.env.AppVersion,
		},
		OnComplete: func(ctx context.Context, result queue.Result) {
			if result.Err == nil {
				clearErr = m.store.RemoveAll(ctx)
			}
		},
	}

	result, err := m.queue.Submit(ctx, op).Wait(ctx)
	if err != nil {
		return err
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "delete all tokens failed")
		return result.Err
	}
	return clearErr
}

// DeleteAllTokensLocally clears the cache without contacting the server.
func (m *Manager) DeleteAllTokensLocally(ctx context.Context) error {
	if m.closed.Load() {
		return token.ErrInvalidStart
	}

	return m.store.RemoveAll(ctx)
}

// CheckTokenRefreshPolicy deletes cached tokens that are no longer fresh for
// the instance. A stale default-scope token is kept and reported instead, so
// the caller can refetch it before continuing. An empty instanceID uses the
// provider's current identity.
func (m *Manager) CheckTokenRefreshPolicy(ctx context.Context, instanceID string) (bool, error) {
	if m.closed.Load() {
		return false, token.ErrInvalidStart
	}

	if instanceID == "" {
		if current, ok := m.identities.Current(); ok {
			instanceID = current.InstanceID
		}
	}

	freshness := m.freshness(instanceID, "")

	refetchDefault := false
	removed, err := m.store.RemoveMatching(ctx, func(info token.Info) bool {
		// the app ID is chosen per fetch, so GetToken alone compares it
		f := freshness
		f.AppID = info.AppID

		if info.IsFresh(f) {
			return false
		}
		if info.Scope == token.DefaultScope {
			refetchDefault = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}

	log.Ctx(ctx).Debug().
		Int("removed", len(removed)).
		Bool("refetch_default", refetchDefault).
		Msg("token refresh policy checked")

	return refetchDefault, nil
}

// UpdateToPushCredential records a new device push credential. Every cached
// token not bound to it is removed and returned; the caller decides which to
// fetch again. Repeating the current credential is a no-op.
func (m *Manager) UpdateToPushCredential(ctx context.Context, credential []byte, sandbox bool) ([]token.Info, error) {
	if m.closed.Load() {
		return nil, token.ErrInvalidStart
	}
	if len(credential) == 0 {
		return nil, token.ErrMissingPushCredential
	}

	candidate := token.NewPushCredential(credential, sandbox)

	m.credMu.Lock()
	defer m.credMu.Unlock()

	if m.credential.Equal(candidate) {
		return nil, nil
	}
	m.credential = candidate

	invalidated, err := m.store.RemoveMatching(ctx, func(info token.Info) bool {
		return !info.PushCredential.Equal(candidate)
	})
	if err != nil {
		return invalidated, err
	}

	log.Ctx(ctx).Info().
		Bool("sandbox", sandbox).
		Int("invalidated", len(invalidated)).
		Msg("push credential changed")

	return invalidated, nil
}

// CurrentPushCredential returns the most recently recorded push credential,
// or nil if none has been recorded.
func (m *Manager) CurrentPushCredential() *token.PushCredential {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	return m.credential
}

// Close stops the operation queue, cancelling pending and in-flight
// operations, and ends the identity-cleared subscription. Subsequent calls
// fail with token.ErrInvalidStart.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.unsubscribe()
	<-m.listenerDone

	m.queue.Stop()

	return nil
}

func (m *Manager) freshness(instanceID, appID string) token.Freshness {
	return token.Freshness{
		InstanceID:      instanceID,
		AppVersion:      m.env.AppVersion,
		AppID:           appID,
		RefreshInterval: m.env.RefreshInterval,
		Now:             m.env.Now(),
	}
}

func startSpan(ctx context.Context, name string, key token.Key) (context.Context, trace.Span) {
	tracer := otel.Tracer("github.com/chinmina/regtoken/internal/manager")
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("token.entity", key.AuthorizedEntity),
			attribute.String("token.scope", key.Scope),
		),
	)
}
