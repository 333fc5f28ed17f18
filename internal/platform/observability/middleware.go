package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/httpx"
	"github.com/greenbasket/api/internal/platform/requestctx"
)

var meter = otel.Meter("github.com/greenbasket/api/internal/platform/observability")

// InjectLoggerMiddleware puts the base logger on every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// httpMetrics holds the request instruments. Instrument creation failures leave the field nil and
// the request is simply not recorded.
type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newHTTPMetrics() httpMetrics {
	var m httpMetrics
	m.requests, _ = meter.Int64Counter("greenbasket.http.requests",
		metric.WithDescription("HTTP requests served, by route and status class"))
	m.duration, _ = meter.Float64Histogram("greenbasket.http.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"))
	return m
}

// RequestLoggerMiddleware writes one access log line per request and records request metrics.
// Order and customer identifiers found in the route are attached so a single order's history can
// be followed through the logs.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	metrics := newHTTPMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("path", SanitizeRoute(r.URL.Path)),
				zap.String("trace_id", info.TraceID),
			}
			if info.TraceID != "" && projectID != "" {
				fields = append(fields, zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)))
			}
			if ip := clientIP(r); ip != "" {
				fields = append(fields, zap.String("remote_ip", ip))
			}
			logger := requestctx.Logger(ctx).With(fields...)
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				elapsed := time.Since(start)

				attrs := []attribute.KeyValue{
					attribute.String("http.route", route),
					attribute.String("http.request.method", r.Method),
					attribute.Int("http.response.status_code", status),
				}
				if metrics.requests != nil {
					metrics.requests.Add(r.Context(), 1, metric.WithAttributes(attrs...))
				}
				if metrics.duration != nil {
					metrics.duration.Record(r.Context(), float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
				}
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attrs...)
					if status >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(status))
					}
				}

				done := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", elapsed),
					zap.Int("bytes", ww.BytesWritten()),
				}
				done = append(done, subjectFields(r)...)
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", done...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", done...)
				default:
					logger.Info("request completed", done...)
				}
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.LoggerOr(ctx, fallback)
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// subjectFields extracts the caller and the order or cart the request addressed.
func subjectFields(r *http.Request) []zap.Field {
	var out []zap.Field
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		out = append(out, zap.String("user_id", SanitizeUserID(identity.UID)))
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if orderID := rctx.URLParam("orderID"); orderID != "" {
			out = append(out, zap.String("order_id", sanitizeString(orderID, 64)))
		}
		if customerID := rctx.URLParam("customerID"); customerID != "" {
			out = append(out, zap.String("customer_id", SanitizeUserID(customerID)))
		}
	}
	return out
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return SanitizeRoute(pattern)
		}
	}
	return SanitizeRoute(r.URL.Path)
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}
