package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwk"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v3"
	"github.com/auth0/go-jwt-middleware/v3/jwks"
	"github.com/auth0/go-jwt-middleware/v3/validator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chinmina/regtoken/internal/audit"
	"github.com/chinmina/regtoken/internal/config"
)

// allowedClockSkew is tolerated on every time based claim.
const allowedClockSkew = 5 * time.Second

// Middleware returns HTTP middleware that verifies the JWT and enforces the
// issuer, audience and validity claims. The retrieved claims are set on the
// request context and can be retrieved by calling jwt.ClaimsFromContext(ctx).
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	// allow for static configuration when testing or running offline
	jwksConfig := remoteJWKS
	if cfg.ConfigurationStatic != "" {
		jwksConfig = staticJWKS
	}

	url, keyFunc, err := jwksConfig(cfg)
	if err != nil {
		return nil, err
	}

	jwtValidator, err := validator.New(
		validator.WithKeyFunc(keyFunc),
		validator.WithAlgorithm(validator.RS256),
		validator.WithIssuer(url.String()),
		validator.WithAudience(cfg.Audience),
		validator.WithAllowedClockSkew(allowedClockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	// Validation errors are marked in the audit log by the error handler; the
	// claims are logged by the audit middleware once the token is accepted.
	options = append(options,
		jwtmiddleware.WithErrorHandler(auditErrorHandler()),
		jwtmiddleware.WithValidator(jwtValidator),
	)

	middleware, err := jwtmiddleware.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT middleware: %w", err)
	}

	subChain := alice.New(
		middleware.CheckJWT,
		registeredClaimsMiddleware(),
		auditClaimsMiddleware(),
	).Then

	return subChain, nil
}

type claimsContextKey struct{}

// ContextWithClaims returns a new context.Context with the provided validated claims
// added to it. This is primarily for test usage
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the validated claims from the context as set by the
// JWT middleware. This will return nil if the context data is not set. This
// should be regarded as an error for handlers that expect the claims to be
// present.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, err := jwtmiddleware.GetClaims[*validator.ValidatedClaims](ctx)
	if err == nil {
		return claims
	}
	claims, _ = ctx.Value(claimsContextKey{}).(*validator.ValidatedClaims)
	return claims
}

// registeredClaimsMiddleware rejects tokens that pass validation but lack the
// claims that are relied upon. The validator enforces the validity period
// when it is present: this ensures that it is.
func registeredClaimsMiddleware() func(next http.Handler) http.Handler {
	onError := auditErrorHandler()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := checkRegisteredClaims(ClaimsFromContext(r.Context())); err != nil {
				onError(w, r, fmt.Errorf("%w: %w", jwtmiddleware.ErrJWTInvalid, err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func checkRegisteredClaims(claims *validator.ValidatedClaims) error {
	if claims == nil {
		return errors.New("claims not present")
	}

	reg := claims.RegisteredClaims

	if len(reg.Audience) == 0 {
		return errors.New("audience claim not present")
	}

	if reg.Issuer == "" {
		return errors.New("issuer claim not present")
	}

	if reg.Subject == "" {
		return errors.New("subject claim not present")
	}

	if reg.NotBefore == 0 || reg.Expiry == 0 {
		return errors.New("token has no validity period")
	}

	return nil
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			claims := ClaimsFromContext(r.Context())

			if claims == nil {
				entry.Error = "JWT claims missing from context"
			} else {
				reg := claims.RegisteredClaims
				entry.Authorized = true
				entry.AuthSubject = reg.Subject
				entry.AuthIssuer = reg.Issuer
				entry.AuthAudience = reg.Audience
				entry.AuthExpirySecs = reg.Expiry

				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(attribute.String("auth.subject", reg.Subject))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// auditErrorHandler records the failure in the audit entry and answers 401.
// Malformed authorization headers are the caller's fault too, so every
// failure gets the same status.
func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		entry := audit.Log(r.Context())
		entry.Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		message := "JWT is invalid."
		if errors.Is(err, jwtmiddleware.ErrJWTMissing) {
			message = "JWT is missing."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprintf(w, `{"message":%q}`, message)
	}
}

type KeyFunc = func(ctx context.Context) (any, error)

func remoteJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	provider, err := jwks.NewCachingProvider(
		jwks.WithIssuerURL(issuerURL),
		jwks.WithCacheTTL(5*time.Minute),
	)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to create JWKS provider: %w", err)
	}

	return *issuerURL, provider.KeyFunc, nil
}

func staticJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	set, err := jwk.Parse([]byte(cfg.ConfigurationStatic))
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("could not decode jwks: %w", err)
	}
	if set.Len() == 0 {
		return url.URL{}, nil, errors.New("jwks contains no keys")
	}

	keyFunc := func(_ context.Context) (any, error) { return set, nil }

	return *issuerURL, keyFunc, nil
}
