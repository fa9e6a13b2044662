package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux traces every route registered with it. Several routes share a path and
// differ only by method, so spans are named with both.
type Mux struct {
	wrapped Multiplexer
	options []otelhttp.Option
}

func NewMux(wrapped Multiplexer, options ...otelhttp.Option) *Mux {
	return &Mux{
		wrapped: wrapped,
		options: options,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	method, route := SplitPattern(pattern)

	operation := route
	if method != "" {
		operation = method + " " + route
	}

	options := append(slices.Clone(mux.options),
		otelhttp.WithSpanOptions(trace.WithAttributes(attribute.String("http.route", route))),
	)

	mux.wrapped.Handle(pattern, otelhttp.NewHandler(handler, operation, options...))
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// SplitPattern separates the method from a ServeMux pattern. The method is
// empty when the pattern does not start with a known one.
func SplitPattern(pattern string) (method string, route string) {
	method, route, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return method, route
	}
	return "", pattern
}
