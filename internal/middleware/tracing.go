package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"range",
		"user-agent",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"skynet-api-key",
		"x-forwarded-for",
		"x-real-ip",
	}
)

// TracingMiddleware starts a server span per request. Span names use the
// mux route template so file ids do not explode cardinality.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("skytransfer/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)
			ctx, span := tracer.Start(r.Context(), spanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			if id := mux.Vars(r)["uuid"]; id != "" {
				span.SetAttributes(attribute.String("file.uuid", id))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))

			if rw.statusCode == 0 {
				rw.statusCode = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func spanName(method, route string) string {
	if route == "unmatched" {
		return "HTTP " + method
	}
	return "HTTP " + method + " " + route
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For hop.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, h := range safeHeaders {
		if v := headers.Get(h); v != "" {
			span.SetAttributes(attribute.String("http.request.header."+h, v))
		}
	}
	for _, h := range sensitiveHeaders {
		v := headers.Get(h)
		if v == "" {
			continue
		}
		if redactSensitive {
			v = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+h, v))
	}
}

// tracingResponseWriter captures the status code for the span.
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
