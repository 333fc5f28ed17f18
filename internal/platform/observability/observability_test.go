package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/greenbasket/api/internal/platform/requestctx"
)

func TestSanitizeStringDropsControlCharacters(t *testing.T) {
	got := sanitizeString("ORD1\x00\x1b[31m\nnext", 64)
	if strings.ContainsAny(got, "\x00\x1b") {
		t.Fatalf("control characters survived: %q", got)
	}
	if !strings.Contains(got, "\n") {
		t.Fatalf("expected whitespace kept, got %q", got)
	}
	if got := sanitizeString("ngườidùng", 4); got != "ngườ" {
		t.Fatalf("expected rune aware truncation, got %q", got)
	}
	if SanitizeRoute("") != "/" {
		t.Fatalf("expected empty route to become /")
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span id %s", sc.SpanID())
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("expected sampled remote span context")
	}

	for _, header := range []string{"", "nope", "xyz/1;o=1", "105445aa7843bc8bf206b12000100000/;o=1"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("greenbasket-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if info.ProjectID != "greenbasket-prod" {
		t.Fatalf("expected project id on trace info, got %q", info.ProjectID)
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "order.created", map[string]any{"orderId": "ORD1"})
	logEvent(context.Background(), "order.event.publish.failed", map[string]any{"error": errors.New("boom")})
	logEvent(context.Background(), "order.totals.mismatch", nil)

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info for order.created, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel || entries[2].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for failures and mismatches")
	}
	if entries[0].ContextMap()["orderId"] != "ORD1" {
		t.Fatalf("expected orderId field, got %v", entries[0].ContextMap())
	}
}

func TestRequestLoggerMiddlewareLogsOrderSubject(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware("greenbasket-prod"))
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/ORD42", nil))

	entries := logs.FilterMessage("request completed").AllUntimed()
	if len(entries) != 1 {
		t.Fatalf("expected one access log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["order_id"] != "ORD42" {
		t.Fatalf("expected order_id field, got %v", fields)
	}
	if fields["route"] != "/orders/{orderID}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 4xx, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}
