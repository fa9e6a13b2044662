// Package audit records one structured log entry per API request. Handlers
// and middleware fill in the entry held by the request context; the entry is
// written when the request completes, including when the handler panics.
package audit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
)

// Level is the zerolog level audit entries are written at. It sits above
// the standard levels so global level filtering never suppresses it.
const Level = zerolog.Level(20)

// LevelName is the level name written for audit entries.
const LevelName = "audit"

type key struct{}

var logKey = key{}

// Entry is the audit record for a single request. Token values are never
// recorded.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int64

	Action           string
	AuthorizedEntity string
	Scope            string
	InstanceID       string
	Invalidated      []string
	RefetchDefault   bool

	Error string
}

// MarshalZerologObject writes the entry as nested request, authorization and
// token dictionaries. The token dictionary is omitted when no token
// operation was recorded.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent))

	auth := newOptionalDict().
		Bool("authorized", e.Authorized).
		Str("subject", e.AuthSubject).
		Str("issuer", e.AuthIssuer).
		Strs("audience", e.AuthAudience)
	if e.AuthExpirySecs > 0 {
		exp := time.Unix(e.AuthExpirySecs, 0)
		auth.Event().
			Time("expiry", exp).
			Dur("expiryRemaining", time.Until(exp).Round(time.Second))
	}
	auth.writeTo(event, "authorization")

	tok := newOptionalDict().
		Str("action", e.Action).
		Str("authorizedEntity", e.AuthorizedEntity).
		Str("scope", e.Scope).
		Str("instanceID", e.InstanceID).
		Strs("invalidated", e.Invalidated)
	if tok.set {
		tok.Event().Bool("refetchDefault", e.RefetchDefault)
	}
	tok.writeTo(event, "token")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin captures the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.Status = http.StatusOK
	e.SourceIP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
}

// End returns a function that writes the entry. It must be deferred directly
// so that it can observe a handler panic: the panic is recorded in the entry
// and then re-raised once the entry is written.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

// Log returns the entry for the request context. A detached entry is
// returned when the context carries none, so callers never need to check.
func Log(ctx context.Context) *Entry {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return e
	}
	return &Entry{}
}

// Context returns a context carrying an audit entry, creating the entry if
// the context does not have one already.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, logKey, e), e
}

// Middleware attaches an audit entry to each request and writes it when the
// request completes. The response status is captured as it is written.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			w = httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						entry.Status = code
						next(code)
					}
				},
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LevelFieldMarshalFunc names the audit level when entries are written,
// deferring to zerolog for the standard levels.
func LevelFieldMarshalFunc(l zerolog.Level) string {
	if l == Level {
		return LevelName
	}
	return l.String()
}
