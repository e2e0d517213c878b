package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span id %s", sc.SpanID())
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatal("expected sampled remote span context")
	}

	for _, header := range []string{"", "nope", "zz/1;o=1", "105445aa7843bc8bf206b12000100000/abc", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestFormatCloudTraceContext(t *testing.T) {
	got := formatCloudTraceContext(requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "00000000000000ff", Sampled: true})
	if got != "105445aa7843bc8bf206b12000100000/255;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(baseCore))

	log(context.Background(), "order.status.changed", map[string]any{"orderId": "ord_1", "to": "CONFIRMED"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	log(ctx, "notification.send.failed", map[string]any{"error": "boom"})

	if baseLogs.Len() != 1 || reqLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got base=%d request=%d", baseLogs.Len(), reqLogs.Len())
	}
	entry := baseLogs.All()[0]
	if entry.Message != "order.status.changed" || entry.ContextMap()["orderId"] != "ord_1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if failed := reqLogs.All()[0]; failed.Level != zapcore.WarnLevel {
		t.Fatalf("expected failures at warn level, got %s", failed.Level)
	}
}

func TestMetricsObservations(t *testing.T) {
	m := NewMetrics()
	m.ObserveTransition(domain.OrderStatusPending, domain.OrderStatusConfirmed, "ok", 20*time.Millisecond)
	m.ObserveTransition("", domain.OrderStatusConfirmed, "not_found", time.Millisecond)
	m.ObserveLedger("apply", "insufficient_stock")
	m.ObserveNotification("sent")
	m.ObserveSweep("aborted", 3)
	m.ObserveSweep("completed", 0)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "CONFIRMED", "ok")); got != 1 {
		t.Fatalf("expected one ok transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("unknown", "CONFIRMED", "not_found")); got != 1 {
		t.Fatalf("expected unknown source label, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweeps.WithLabelValues("aborted")); got != 3 {
		t.Fatalf("expected 3 aborted intents, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `orderflow_inventory_ledger_operations_total{op="apply",outcome="insufficient_stock"} 1`) {
		t.Fatalf("ledger counter missing from exposition:\n%s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveLedger("apply", "ok")
}

func TestRequestLoggerMiddlewareRecordsRoute(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := NewMetrics()

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware(metrics))
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req = req.WithContext(requestctx.WithActor(req.Context(), domain.Actor{ID: "cust_1", Role: domain.ActorRoleCustomer}))
	router.ServeHTTP(httptest.NewRecorder(), req)

	if logs.Len() != 1 {
		t.Fatalf("expected one request log, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["route"] != "/orders/{orderID}" || fields["status"] != int64(404) || fields["actor_id"] != "cust_1" {
		t.Fatalf("unexpected fields %+v", fields)
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "/orders/{orderID}", "404")); got != 1 {
		t.Fatalf("expected request counter, got %v", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
}
