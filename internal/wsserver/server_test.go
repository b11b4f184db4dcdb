package wsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradestream/marketfabric/internal/broker"
	"github.com/tradestream/marketfabric/internal/config"
	"github.com/tradestream/marketfabric/internal/transport"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Addr:                   ":0",
		ExecutionDisabled:      true,
		BroadcasterInterval:    time.Hour,
		BroadcasterSymbols:     "AAPL",
		BroadcasterResolutions: "1",
		BroadcasterEnabled:     false,
		HeartbeatTimeout:       time.Minute,
		MaxConnectionLifetime:  time.Hour,
		RouteQueueCapacity:     8,
		MaxConnections:         10,
		MaxInboundRate:         1000,
		MaxInboundBurst:        100,
		CPURejectThreshold:     90,
		MetricsInterval:        time.Hour,
	}
	s := New(cfg, zerolog.Nop())
	for _, r := range s.routes {
		r.Start()
	}
	s.broker.Start()
	t.Cleanup(func() {
		s.broker.Shutdown()
		s.datafeed.Shutdown()
		for _, r := range s.routes {
			r.Stop()
		}
	})
	return s
}

func testConn(id int64) *transport.Connection {
	return transport.New(id, nil, transport.Config{
		HeartbeatTimeout: time.Minute,
		MaxLifetime:      time.Hour,
		InboundRate:      1000,
		InboundBurst:     100,
		SendQueueSize:    16,
	}, zerolog.Nop(), nil)
}

func TestHandleMessage_SubscribeRoutesToMatchingRoute(t *testing.T) {
	s := testServer(t)
	c := testConn(1)

	env := inboundEnvelope{
		Type:    "quotes.subscribe",
		Payload: mustMarshal(subscribePayload{ListenerID: "L1", Params: mustMarshal(quotesParams{Symbol: "AAPL"})}),
	}
	s.handleMessage(c, mustMarshal(env))

	if s.routes["quotes"].ActiveTopics() != 1 {
		t.Fatalf("expected one active quotes topic, got %d", s.routes["quotes"].ActiveTopics())
	}
}

func TestHandleMessage_UnknownRouteIsRejectedWithoutTouchingAnyRoute(t *testing.T) {
	s := testServer(t)
	c := testConn(1)

	env := inboundEnvelope{
		Type:    "nonsense.subscribe",
		Payload: mustMarshal(subscribePayload{ListenerID: "L1"}),
	}
	s.handleMessage(c, mustMarshal(env))

	for name, r := range s.routes {
		if r.ActiveTopics() != 0 {
			t.Fatalf("route %q should have no active topics after an unknown-route message, got %d", name, r.ActiveTopics())
		}
	}
}

func TestHandleMessage_MalformedEnvelopeDoesNotPanic(t *testing.T) {
	s := testServer(t)
	c := testConn(1)

	s.handleMessage(c, []byte("not json"))

	for name, r := range s.routes {
		if r.ActiveTopics() != 0 {
			t.Fatalf("route %q should have no active topics after a malformed envelope, got %d", name, r.ActiveTopics())
		}
	}
}

func TestOnConnectionClosed_ReleasesSubscriptionsAcrossRoutes(t *testing.T) {
	s := testServer(t)
	c := testConn(1)
	s.connMu.Lock()
	s.conns[c.ID] = c
	s.connMu.Unlock()
	s.connSem <- struct{}{}

	s.routes["bars"].Subscribe(c, "L1", mustMarshal(barsParams{Symbol: "AAPL", Resolution: "1"}))
	s.routes["quotes"].Subscribe(c, "L2", mustMarshal(quotesParams{Symbol: "AAPL"}))

	if s.routes["bars"].ActiveTopics() != 1 || s.routes["quotes"].ActiveTopics() != 1 {
		t.Fatal("setup failed: expected both routes to have an active topic")
	}

	s.onConnectionClosed(c, "test teardown")

	if s.routes["bars"].ActiveTopics() != 0 {
		t.Fatal("expected bars topic removed after teardown")
	}
	if s.routes["quotes"].ActiveTopics() != 0 {
		t.Fatal("expected quotes topic removed after teardown")
	}
	s.connMu.Lock()
	_, stillPresent := s.conns[c.ID]
	s.connMu.Unlock()
	if stillPresent {
		t.Fatal("expected connection removed from the registry")
	}
}

func TestHandleHealth_ReportsHealthyUnderCapacity(t *testing.T) {
	s := testServer(t)
	s.startedAt = time.Now()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", body["status"])
	}
}

func TestHandleHealth_ReportsUnhealthyOverCPUThreshold(t *testing.T) {
	s := testServer(t)
	s.cpuPercent.Store(float64(99))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlePlaceOrder_CreatesOrder(t *testing.T) {
	s := testServer(t)
	body := mustMarshal(orderRequest{AccountID: "acct-1", Symbol: "AAPL", Side: "buy", Quantity: 10})
	req := httptest.NewRequest(http.MethodPost, "/broker/orders", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()

	s.handlePlaceOrder(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePlaceOrder_RejectsInvalidInput(t *testing.T) {
	s := testServer(t)
	body := mustMarshal(orderRequest{AccountID: "", Symbol: "AAPL", Side: "buy", Quantity: 10})
	req := httptest.NewRequest(http.MethodPost, "/broker/orders", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()

	s.handlePlaceOrder(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleCancelOrder_ViaMux(t *testing.T) {
	s := testServer(t)
	order, err := s.broker.PlaceOrder(broker.PreOrder{AccountID: "acct-1", Symbol: "AAPL", Side: broker.Buy, Quantity: 10})
	if err != nil {
		t.Fatalf("setup PlaceOrder failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /broker/orders/{id}", s.handleCancelOrder)

	req := httptest.NewRequest(http.MethodDelete, "/broker/orders/"+order.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
