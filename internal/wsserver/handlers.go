package wsserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/tradestream/marketfabric/internal/broker"
	"github.com/tradestream/marketfabric/internal/metrics"
	"github.com/tradestream/marketfabric/internal/transport"
)

// handleUpgrade accepts a WebSocket connection, applies admission control
// (spec.md §5 "resource model"), and launches its read/write pumps.
// Grounded on the teacher's handleWebSocket (internal/shared/handlers_ws.go).
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if cpuPct, _ := s.cpuPercent.Load().(float64); cpuPct > s.cfg.CPURejectThreshold {
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := s.connSeq.Add(1)
	c := transport.New(id, conn, transport.Config{
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		MaxLifetime:      s.cfg.MaxConnectionLifetime,
		InboundRate:      s.cfg.MaxInboundRate,
		InboundBurst:     s.cfg.MaxInboundBurst,
		SendQueueSize:    256,
	}, s.logger, s.onConnectionClosed)

	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	go c.WritePump()
	go c.ReadPump(func(data []byte) {
		metrics.MessagesReceived.Inc()
		s.handleMessage(c, data)
	})
}

// onConnectionClosed implements spec.md §4.4's "Connection teardown":
// release every subscription the connection held, across every route.
func (s *Server) onConnectionClosed(c *transport.Connection, reason string) {
	s.connMu.Lock()
	delete(s.conns, c.ID)
	s.connMu.Unlock()

	<-s.connSem
	metrics.ConnectionsActive.Dec()

	pairs := c.Subs.Teardown()
	for _, r := range s.routes {
		r.TeardownConnection(c, pairs)
	}

	s.logger.Debug().Int64("conn_id", c.ID).Str("reason", reason).Msg("connection closed")
}

// handleMessage dispatches one inbound frame to the matching route
// (spec.md §6 wire protocol: "<route>.subscribe" / "<route>.unsubscribe").
func (s *Server) handleMessage(c *transport.Connection, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Send(protocolErrorMsg{Type: "error", Message: "malformed envelope"})
		return
	}

	var routeName, action string
	switch {
	case hasSuffix(env.Type, ".subscribe"):
		routeName, action = trimSuffix(env.Type, ".subscribe"), "subscribe"
	case hasSuffix(env.Type, ".unsubscribe"):
		routeName, action = trimSuffix(env.Type, ".unsubscribe"), "unsubscribe"
	default:
		c.Send(protocolErrorMsg{Type: "error", Message: "unknown message type: " + env.Type})
		return
	}

	r, ok := s.routes[routeName]
	if !ok {
		c.Send(protocolErrorMsg{Type: "error", Message: "unknown route: " + routeName})
		return
	}

	switch action {
	case "subscribe":
		var p subscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.Send(protocolErrorMsg{Type: "error", Message: "malformed subscribe payload"})
			return
		}
		r.Subscribe(c, p.ListenerID, p.Params)
	case "unsubscribe":
		var p unsubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.Send(protocolErrorMsg{Type: "error", Message: "malformed unsubscribe payload"})
			return
		}
		r.Unsubscribe(c, p.ListenerID)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	return s[:len(s)-len(suffix)]
}

// handleHealth reports composed health from the sampled CPU percentage, the
// open-connection count against MaxConnections, and each route's pump queue
// depth. It does not check engine liveness (broker simulator or datafeed
// tasks). Grounded on the teacher's handleHealth
// (internal/single/core/handlers_http.go), with its memory, goroutine and
// Kafka checks replaced by per-route queue-depth checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	cpuPct, _ := s.cpuPercent.Load().(float64)
	cpuHealthy := cpuPct <= s.cfg.CPURejectThreshold

	s.connMu.Lock()
	current := len(s.conns)
	s.connMu.Unlock()
	capacityHealthy := current <= s.cfg.MaxConnections

	routeChecks := make(map[string]any, len(s.routes))
	queuesHealthy := true
	for name, rt := range s.routes {
		depth := rt.QueueDepth()
		backedUp := depth >= s.cfg.RouteQueueCapacity
		if backedUp {
			queuesHealthy = false
		}
		routeChecks[name] = map[string]any{
			"active_topics":    rt.ActiveTopics(),
			"subscriber_count": rt.TotalSubscribers(),
			"queue_depth":      depth,
			"queue_capacity":   s.cfg.RouteQueueCapacity,
			"healthy":          !backedUp,
		}
	}

	healthy := cpuHealthy && capacityHealthy && queuesHealthy
	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": healthy,
		"uptime":  time.Since(s.startedAt).Seconds(),
		"checks": map[string]any{
			"cpu": map[string]any{
				"percent":   cpuPct,
				"threshold": s.cfg.CPURejectThreshold,
				"healthy":   cpuHealthy,
			},
			"capacity": map[string]any{
				"current": current,
				"max":     s.cfg.MaxConnections,
				"healthy": capacityHealthy,
			},
			"routes": routeChecks,
		},
	})
}

type orderRequest struct {
	AccountID  string   `json:"accountId"`
	Symbol     string   `json:"symbol"`
	Type       string   `json:"type"`
	Side       string   `json:"side"`
	Quantity   float64  `json:"quantity"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	SeenPrice  *float64 `json:"seenPrice,omitempty"`
}

// handlePlaceOrder implements the REST order-entry surface that complements
// the WebSocket orders route, for clients that only need fire-and-forget
// order entry.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	order, err := s.broker.PlaceOrder(broker.PreOrder{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Type:       broker.OrderType(req.Type),
		Side:       broker.Side(req.Side),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		SeenPrice:  req.SeenPrice,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

type modifyOrderRequest struct {
	Quantity float64 `json:"quantity"`
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	order, err := s.broker.ModifyOrder(id, req.Quantity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.broker.CancelOrder(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}
