package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request and names it "METHOD /route/{pattern}"
// once chi has matched the route. otelhttp re-runs the formatter after the
// handler only when r.Pattern is set on its own request, which middleware that
// copies the request (chi Logger, Timeout) prevents, so the span is also renamed
// from inside the chain.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if name := SpanName(r); name != "" {
				trace.SpanFromContext(r.Context()).SetName(name)
			}
		})
		return otelhttp.NewHandler(named, "http.request",
			otelhttp.WithSpanNameFormatter(spanNameFormatter),
		)
	}
}

func spanNameFormatter(_ string, r *http.Request) string {
	if name := SpanName(r); name != "" {
		return name
	}
	return r.Method + " " + r.URL.Path
}

// SpanName returns the route-pattern span name, or "" before routing.
func SpanName(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return ""
	}
	return r.Method + " " + rctx.RoutePattern()
}
