// Package wsserver implements the Server & Supervisor component (spec.md
// §4.8): the HTTP/WebSocket listener, inbound envelope dispatch to routes,
// connection lifecycle and teardown, and startup/shutdown sequencing across
// the datafeed and broker engines.
//
// Grounded on the teacher's Server (internal/shared/server.go,
// internal/single/core/handlers_http.go, internal/shared/handlers_ws.go):
// the accept-loop/mux/graceful-drain shape is kept, generalized from a
// single flat channel-subscription protocol and one Kafka-backed engine to
// multiple named routes dispatching into two independent domain engines.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/tradestream/marketfabric/internal/broker"
	"github.com/tradestream/marketfabric/internal/config"
	"github.com/tradestream/marketfabric/internal/datafeed"
	"github.com/tradestream/marketfabric/internal/metrics"
	"github.com/tradestream/marketfabric/internal/route"
	"github.com/tradestream/marketfabric/internal/transport"
)

// Server ties the transport, route, and engine layers together behind one
// HTTP listener.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	datafeed *datafeed.Datafeed
	broker   *broker.Broker
	routes   map[string]*route.Route

	httpServer *http.Server
	listener   net.Listener

	connSeq atomic.Int64
	connSem chan struct{}

	connMu sync.Mutex
	conns  map[int64]*transport.Connection

	shuttingDown atomic.Bool
	cpuPercent   atomic.Value // float64

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Server with the datafeed and broker engines and every
// route named in spec.md §2 (bars, quotes, orders, positions, executions,
// equity, broker-connection).
func New(cfg *config.Config, logger zerolog.Logger) *Server {
	df := datafeed.New(datafeed.Config{
		Interval:    cfg.BroadcasterInterval,
		Symbols:     splitCSV(cfg.BroadcasterSymbols),
		Resolutions: splitCSV(cfg.BroadcasterResolutions),
		Enabled:     cfg.BroadcasterEnabled,
	}, logger)

	bk := broker.New(broker.Config{
		ExecutionDelay:    cfg.ExecutionDelay,
		ExecutionDisabled: cfg.ExecutionDisabled,
	}, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		datafeed: df,
		broker:   bk,
		routes:   make(map[string]*route.Route),
		connSem:  make(chan struct{}, cfg.MaxConnections),
		conns:    make(map[int64]*transport.Connection),
	}
	s.cpuPercent.Store(float64(0))

	s.routes["bars"] = route.New("bars", df, func() route.Params { return &barsParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["quotes"] = route.New("quotes", df, func() route.Params { return &quotesParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["orders"] = route.New("orders", bk, func() route.Params { return &accountParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["positions"] = route.New("positions", bk, func() route.Params { return &accountParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["executions"] = route.New("executions", bk, func() route.Params { return &accountSymbolParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["equity"] = route.New("equity", bk, func() route.Params { return &accountParams{} }, cfg.RouteQueueCapacity, logger)
	s.routes["broker-connection"] = route.New("broker-connection", bk, func() route.Params { return &emptyParams{} }, cfg.RouteQueueCapacity, logger)

	return s
}

// Start brings the supervisor's full dependency order online: route pumps
// first, then the domain engines, then the HTTP listener (spec.md §4.8
// "Startup sequencing").
func (s *Server) Start() error {
	s.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, r := range s.routes {
		r.Start()
	}
	s.broker.Start()

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("POST /broker/orders", s.handlePlaceOrder)
	mux.HandleFunc("PUT /broker/orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("DELETE /broker/orders/{id}", s.handleCancelOrder)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.sampleCPU(ctx)

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("marketfabric listening")
	return nil
}

// Shutdown implements the supervisor's drain sequence: stop accepting,
// drain and stop every route pump, cancel engines, close connections, then
// wait for the remaining tasks to exit (spec.md §4.8 "Shutdown sequencing").
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("shutting down")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}

	for _, r := range s.routes {
		r.Stop()
	}
	s.broker.Shutdown()
	s.datafeed.Shutdown()

	s.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	// Close fires onConnectionClosed synchronously, which re-locks connMu to
	// remove the entry; it must not be held here or that call deadlocks.
	for _, c := range conns {
		c.Close(ws.StatusServiceRestart, "server shutting down")
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.logger.Info().Msg("shutdown complete")
	return nil
}

func (s *Server) sampleCPU(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.Percent(0, false)
			if err == nil && len(percents) > 0 {
				s.cpuPercent.Store(percents[0])
			}
			for name, r := range s.routes {
				metrics.SubscriberCount.WithLabelValues(name).Set(float64(r.TotalSubscribers()))
			}
		}
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- route parameter types (spec.md §4.3 "required fields only") ---

type barsParams struct {
	Symbol     string `json:"symbol"`
	Resolution string `json:"resolution"`
}

func (p *barsParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if p.Resolution == "" {
		return fmt.Errorf("resolution is required")
	}
	return nil
}

type quotesParams struct {
	Symbol string `json:"symbol"`
}

func (p *quotesParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

type accountParams struct {
	AccountID string `json:"accountId"`
}

func (p *accountParams) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	return nil
}

type accountSymbolParams struct {
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`
}

func (p *accountSymbolParams) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

type emptyParams struct{}

func (p *emptyParams) Validate() error { return nil }

// --- inbound envelope shapes (spec.md §6) ---

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type subscribePayload struct {
	ListenerID string          `json:"listenerId"`
	Params     json.RawMessage `json:"params"`
}

type unsubscribePayload struct {
	ListenerID string `json:"listenerId"`
}

type protocolErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
