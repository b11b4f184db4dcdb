// Package broker implements the Broker Engine (spec.md §4.7): order entry,
// a background execution simulator that fills working orders on a random
// delay, and the accounting/position update algorithm that follows every
// fill. The execution cascade (executions -> orders -> equity -> positions)
// runs start to finish on the simulator's single goroutine so no other
// cascade can interleave with it (spec.md §4.7.5 "no interleaving"). Order
// broadcasts from PlaceOrder, ModifyOrder and CancelOrder run on their
// callers' goroutines and are not ordered against a cascade's broadcasts.
//
// Grounded on the teacher's single background worker pattern
// (internal/shared/broadcast.go) for the simulator loop, and its
// topic-keyed callback registry (internal/shared/connection.go) for the
// engine side of route.Engine, adapted from one callback per connection to
// one callback per exact subscribed topic, grouped by topic type for
// cascade dispatch.
package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradestream/marketfabric/internal/metrics"
	topicpkg "github.com/tradestream/marketfabric/internal/topic"
)

// Side is the direction of an order or execution.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType is the order-entry style (spec.md §3): it governs how the
// execution cascade resolves a fill price (spec.md §4.7.4).
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

// OrderStatus is the lifecycle state of an order (spec.md §3).
type OrderStatus string

const (
	StatusWorking  OrderStatus = "working"
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
	StatusCanceled OrderStatus = "canceled"
)

const marketFallbackPrice = 100.0

// PreOrder is the order-entry request accepted by PlaceOrder (spec.md §4.7.1).
// LimitPrice, StopPrice, and SeenPrice are optional: nil means "not supplied".
type PreOrder struct {
	AccountID  string
	Symbol     string
	Type       OrderType
	Side       Side
	Quantity   float64
	LimitPrice *float64
	StopPrice  *float64
	SeenPrice  *float64
}

// Order is a single order-entry request and its fill state.
type Order struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"accountId"`
	Symbol     string      `json:"symbol"`
	Type       OrderType   `json:"type"`
	Side       Side        `json:"side"`
	Quantity   float64     `json:"quantity"`
	LimitPrice *float64    `json:"limitPrice,omitempty"`
	StopPrice  *float64    `json:"stopPrice,omitempty"`
	SeenPrice  *float64    `json:"seenPrice,omitempty"`
	Status     OrderStatus `json:"status"`
	FilledQty  float64     `json:"filledQty"`
	AvgPrice   *float64    `json:"avgPrice,omitempty"`
	UpdateTime time.Time   `json:"updateTime"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Execution is a single fill against a working order.
type Execution struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	AccountID string    `json:"accountId"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is an account's net holding in a symbol. A fill that closes a
// position (Quantity == 0) broadcasts it once as a zero-quantity row with
// Closed set, then deletes it from the book (spec.md §4.7.5
// "position-close-then-delete").
type Position struct {
	AccountID string  `json:"accountId"`
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avgPrice"`
	Closed    bool    `json:"closed,omitempty"`
}

// Accounting is an account's equity snapshot, recomputed after every fill.
type Accounting struct {
	AccountID     string  `json:"accountId"`
	Cash          float64 `json:"cash"`
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

// ConnectionStatus is broadcast on the broker-connection topic.
type ConnectionStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber pairs a callback with its topic's already-parsed params, so
// dispatch doesn't re-decode the same topic string on every broadcast.
type subscriber struct {
	cb     func(payload any)
	params map[string]any
}

const startingCash = 100000.0

// ValidationError corresponds to spec.md §7's ValidationError for order
// entry requests.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Config carries the spec.md §6 configuration rows governing the broker
// engine.
type Config struct {
	ExecutionDelay    time.Duration // 0 means "random in [1s, 2s]"
	ExecutionDisabled bool
}

// Broker is the shared domain engine behind the orders, positions,
// executions, equity, and broker-connection routes. It implements
// route.Engine once per topic type, via CreateTopic/RemoveTopic.
type Broker struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	orders     map[string]*Order
	positions  map[string]map[string]*Position // accountID -> symbol -> position
	accounting map[string]*Accounting
	lastPrice  map[string]float64

	callbacks map[string]map[string]subscriber // topicType -> topic -> subscriber

	orderSeq atomic.Int64
	execSeq  atomic.Int64

	// The execution simulator is started lazily on the first subscriber to
	// any broker topic and stopped once the last one leaves (spec.md §4.7.2
	// step 3, §4.7.2 remove_topic step 2), so subscriber_count(topic) > 0 iff
	// the engine has an active producer (spec.md §8 property 1).
	simMu        sync.Mutex
	simCancel    context.CancelFunc
	simRunning   bool
	shuttingDown bool
	simWG        sync.WaitGroup
}

// New constructs a Broker engine.
func New(cfg Config, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:        cfg,
		logger:     logger.With().Str("engine", "broker").Logger(),
		orders:     make(map[string]*Order),
		positions:  make(map[string]map[string]*Position),
		accounting: make(map[string]*Accounting),
		lastPrice:  make(map[string]float64),
		callbacks:  make(map[string]map[string]subscriber),
	}
}

// Start exists for symmetry with the Supervisor's startup sequencing
// (spec.md §4.8: "engines last"). The simulator itself has nothing to start
// until a subscriber shows up - CreateTopic starts it lazily.
func (b *Broker) Start() {}

// Shutdown stops the simulator, if running, and waits for it to exit. It
// also blocks any future lazy start so a late CreateTopic during shutdown
// cannot resurrect it.
func (b *Broker) Shutdown() {
	b.simMu.Lock()
	b.shuttingDown = true
	cancel := b.simCancel
	b.simMu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.simWG.Wait()
}

// ensureSimulatorStarted implements spec.md §4.7.2 step 3: "If the
// simulator task is not running and any callback is registered, start the
// simulator."
func (b *Broker) ensureSimulatorStarted() {
	b.simMu.Lock()
	defer b.simMu.Unlock()
	if b.simRunning || b.shuttingDown {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.simCancel = cancel
	b.simRunning = true
	b.simWG.Add(1)
	go b.runSimulator(ctx)
}

// ensureSimulatorStopped implements spec.md §4.7.2's remove_topic step 2:
// "If no callbacks remain, cancel the simulator."
func (b *Broker) ensureSimulatorStopped() {
	b.simMu.Lock()
	cancel := b.simCancel
	b.simCancel = nil
	b.simRunning = false
	b.simMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CreateTopic implements route.Engine. It groups callbacks by topic type so
// the execution cascade can fan out to every account/symbol-scoped
// subscriber of a type in one pass.
func (b *Broker) CreateTopic(topic string, cb func(payload any)) error {
	topicType, params, err := topicpkg.Split(topic)
	if err != nil {
		return err
	}
	switch topicType {
	case "orders", "positions", "executions", "equity", "broker-connection":
	default:
		return fmt.Errorf("broker: unknown route %q", topicType)
	}

	b.mu.Lock()
	set, ok := b.callbacks[topicType]
	if !ok {
		set = make(map[string]subscriber)
		b.callbacks[topicType] = set
	}
	set[topic] = subscriber{cb: cb, params: params}
	snapshot := b.snapshotFor(topicType, params)
	b.mu.Unlock()

	b.ensureSimulatorStarted()

	for _, item := range snapshot {
		cb(item)
	}
	return nil
}

// RemoveTopic implements route.Engine.
func (b *Broker) RemoveTopic(topic string) error {
	topicType, _, err := topicpkg.Split(topic)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if set, ok := b.callbacks[topicType]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(b.callbacks, topicType)
		}
	}
	remaining := len(b.callbacks)
	b.mu.Unlock()

	if remaining == 0 {
		b.ensureSimulatorStopped()
	}
	return nil
}

// PlaceOrder implements spec.md §4.7.1: resolve an entry limit price,
// create the order as working, and insert it into the book.
func (b *Broker) PlaceOrder(pre PreOrder) (*Order, error) {
	if pre.AccountID == "" || pre.Symbol == "" {
		return nil, &ValidationError{Err: fmt.Errorf("accountId and symbol are required")}
	}
	if pre.Side != Buy && pre.Side != Sell {
		return nil, &ValidationError{Err: fmt.Errorf("side must be %q or %q", Buy, Sell)}
	}
	if pre.Quantity <= 0 {
		return nil, &ValidationError{Err: fmt.Errorf("quantity must be positive")}
	}
	orderType := pre.Type
	if orderType == "" {
		orderType = Market
	}
	switch orderType {
	case Market, Limit, Stop:
	default:
		return nil, &ValidationError{Err: fmt.Errorf("type must be %q, %q, or %q", Market, Limit, Stop)}
	}

	resolvedLimit := b.resolveEntryLimitPrice(pre)
	if orderType == Limit && resolvedLimit == nil {
		return nil, &ValidationError{Err: fmt.Errorf("limit orders require limitPrice, seenPrice, or a current quote")}
	}
	if orderType == Stop && pre.StopPrice == nil {
		return nil, &ValidationError{Err: fmt.Errorf("stop orders require stopPrice")}
	}

	now := time.Now()
	order := &Order{
		ID:         fmt.Sprintf("ORDER-%d", b.orderSeq.Add(1)),
		AccountID:  pre.AccountID,
		Symbol:     pre.Symbol,
		Type:       orderType,
		Side:       pre.Side,
		Quantity:   pre.Quantity,
		LimitPrice: resolvedLimit,
		StopPrice:  pre.StopPrice,
		SeenPrice:  pre.SeenPrice,
		Status:     StatusWorking,
		FilledQty:  0,
		UpdateTime: now,
		CreatedAt:  now,
	}

	b.mu.Lock()
	b.orders[order.ID] = order
	b.mu.Unlock()

	b.broadcastOrder(*order)
	return order, nil
}

// resolveEntryLimitPrice implements spec.md §4.7.1 step 1: preOrder.limitPrice,
// else preOrder.seenPrice, else currentQuotes.ask/bid for the order's side,
// else nil. There is no live quote feed wired into the broker engine, so
// currentQuotes falls back to the last execution price per symbol (the same
// mark-price extension point recomputeEquity uses).
func (b *Broker) resolveEntryLimitPrice(pre PreOrder) *float64 {
	if pre.LimitPrice != nil {
		return pre.LimitPrice
	}
	if pre.SeenPrice != nil {
		return pre.SeenPrice
	}
	if bid, ask, ok := b.currentQuote(pre.Symbol); ok {
		if pre.Side == Buy {
			return &ask
		}
		return &bid
	}
	return nil
}

func (b *Broker) currentQuote(symbol string) (bid, ask float64, ok bool) {
	b.mu.Lock()
	last, exists := b.lastPrice[symbol]
	b.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	spread := last * 0.0005
	return last - spread, last + spread, true
}

// ModifyOrder implements spec.md §4.7.3: only working orders may be
// modified.
func (b *Broker) ModifyOrder(orderID string, quantity float64) (*Order, error) {
	if quantity <= 0 {
		return nil, &ValidationError{Err: fmt.Errorf("quantity must be positive")}
	}

	b.mu.Lock()
	order, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return nil, &ValidationError{Err: fmt.Errorf("unknown order %q", orderID)}
	}
	if order.Status != StatusWorking {
		b.mu.Unlock()
		return nil, &ValidationError{Err: fmt.Errorf("order %q is not working", orderID)}
	}
	order.Quantity = quantity
	order.UpdateTime = time.Now()
	snapshot := *order
	b.mu.Unlock()

	b.broadcastOrder(snapshot)
	return &snapshot, nil
}

// CancelOrder implements spec.md §4.7.3: only working orders may be
// cancelled.
func (b *Broker) CancelOrder(orderID string) (*Order, error) {
	b.mu.Lock()
	order, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return nil, &ValidationError{Err: fmt.Errorf("unknown order %q", orderID)}
	}
	if order.Status != StatusWorking {
		b.mu.Unlock()
		return nil, &ValidationError{Err: fmt.Errorf("order %q is not working", orderID)}
	}
	order.Status = StatusCanceled
	order.UpdateTime = time.Now()
	snapshot := *order
	b.mu.Unlock()

	b.broadcastOrder(snapshot)
	return &snapshot, nil
}

func (b *Broker) runSimulator(ctx context.Context) {
	defer b.simWG.Done()
	for {
		if b.cfg.ExecutionDisabled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		delay := b.cfg.ExecutionDelay
		if delay <= 0 {
			delay = time.Duration(1000+rand.Intn(1000)) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		order := b.pickWorkingOrder()
		if order == nil {
			continue
		}
		b.fill(order)
	}
}

func (b *Broker) pickWorkingOrder() *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var working []*Order
	for _, o := range b.orders {
		if o.Status == StatusWorking {
			working = append(working, o)
		}
	}
	if len(working) == 0 {
		return nil
	}
	return working[rand.Intn(len(working))]
}

// resolveFillPrice implements spec.md §4.7.4 step 3's order-type-driven
// execution price rule.
func resolveFillPrice(order *Order) (float64, error) {
	switch order.Type {
	case Limit:
		if order.LimitPrice == nil {
			return 0, fmt.Errorf("limit order %q has no limitPrice", order.ID)
		}
		return *order.LimitPrice, nil
	case Stop:
		if order.StopPrice == nil {
			return 0, fmt.Errorf("stop order %q has no stopPrice", order.ID)
		}
		return *order.StopPrice, nil
	default: // market
		if order.LimitPrice != nil {
			return *order.LimitPrice, nil
		}
		if order.SeenPrice != nil {
			return *order.SeenPrice, nil
		}
		return marketFallbackPrice, nil
	}
}

// fill executes spec.md §4.7.4/4.7.5: strictly-ordered execution cascade and
// the accounting/position update algorithm. It runs entirely on the
// simulator's single goroutine, so no other fill can interleave.
func (b *Broker) fill(order *Order) {
	time.Sleep(200 * time.Millisecond)

	b.mu.Lock()
	cur, ok := b.orders[order.ID]
	if !ok || cur.Status != StatusWorking {
		b.mu.Unlock()
		return
	}
	order = cur

	price, err := resolveFillPrice(order)
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn().Err(err).Str("order_id", order.ID).Msg("cascade aborted: cannot resolve execution price")
		metrics.CascadesFailed.Inc()
		return
	}

	exec := Execution{
		ID:        fmt.Sprintf("exec-%d", b.execSeq.Add(1)),
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     price,
		Timestamp: time.Now(),
	}
	b.lastPrice[order.Symbol] = price

	order.Status = StatusFilled
	order.FilledQty = order.Quantity
	order.AvgPrice = &price
	order.UpdateTime = exec.Timestamp
	orderSnapshot := *order

	pos := b.getOrCreatePosition(order.AccountID, order.Symbol)
	realized := applyExecution(pos, order.Side, order.Quantity, price)

	acc := b.getOrCreateAccounting(order.AccountID)
	acc.Cash += realized
	acc.RealizedPnL += realized

	closed := pos.Quantity == 0
	posSnapshot := *pos
	posSnapshot.Closed = closed
	if closed {
		delete(b.positions[order.AccountID], order.Symbol)
	}

	b.recomputeEquity(order.AccountID, acc)
	accSnapshot := *acc

	b.mu.Unlock()

	metrics.CascadesCompleted.Inc()
	b.broadcastExecution(exec)
	b.broadcastOrder(orderSnapshot)
	b.broadcastEquity(accSnapshot)
	b.broadcastPosition(posSnapshot)
}

func (b *Broker) getOrCreatePosition(accountID, symbol string) *Position {
	set, ok := b.positions[accountID]
	if !ok {
		set = make(map[string]*Position)
		b.positions[accountID] = set
	}
	pos, ok := set[symbol]
	if !ok {
		pos = &Position{AccountID: accountID, Symbol: symbol}
		set[symbol] = pos
	}
	return pos
}

func (b *Broker) getOrCreateAccounting(accountID string) *Accounting {
	acc, ok := b.accounting[accountID]
	if !ok {
		acc = &Accounting{AccountID: accountID, Cash: startingCash, Equity: startingCash}
		b.accounting[accountID] = acc
	}
	return acc
}

// recomputeEquity implements the open question resolution: mark price is
// the last execution price per symbol, so unrealized P&L only moves when a
// fill touches that symbol. Cash moves only by realized P&L, and Equity is
// Cash plus unrealized P&L.
func (b *Broker) recomputeEquity(accountID string, acc *Accounting) {
	unrealized := 0.0
	for _, pos := range b.positions[accountID] {
		mark := b.lastPrice[pos.Symbol]
		unrealized += (mark - pos.AvgPrice) * pos.Quantity
	}
	acc.UnrealizedPnL = unrealized
	acc.Equity = acc.Cash + unrealized
}

// applyExecution is the position update algorithm from spec.md §4.7.5: a
// flat position opens fresh, a same-side fill averages up, an opposite-side
// fill reduces (realizing P&L on the closed portion) and flips into a new
// position on the other side if the incoming quantity exceeds what was
// open.
func applyExecution(pos *Position, side Side, quantity, price float64) (realizedPnL float64) {
	signed := signedQuantity(side, quantity)

	if pos.Quantity == 0 {
		pos.Quantity = signed
		pos.AvgPrice = price
		return 0
	}

	sameSide := (pos.Quantity > 0) == (signed > 0)
	if sameSide {
		totalAbs := math.Abs(pos.Quantity) + math.Abs(signed)
		pos.AvgPrice = (pos.AvgPrice*math.Abs(pos.Quantity) + price*math.Abs(signed)) / totalAbs
		pos.Quantity += signed
		return 0
	}

	closingQty := math.Min(math.Abs(pos.Quantity), math.Abs(signed))
	if pos.Quantity > 0 {
		realizedPnL = closingQty * (price - pos.AvgPrice)
	} else {
		realizedPnL = closingQty * (pos.AvgPrice - price)
	}

	remaining := math.Abs(signed) - closingQty
	newQty := pos.Quantity + signed
	pos.Quantity = newQty
	if remaining > 0 {
		// Flipped through flat: the leftover quantity opens a fresh position
		// on the other side at the execution price.
		pos.AvgPrice = price
	} else if pos.Quantity == 0 {
		pos.AvgPrice = 0
	}
	return realizedPnL
}

func signedQuantity(side Side, quantity float64) float64 {
	if side == Sell {
		return -quantity
	}
	return quantity
}

func (b *Broker) broadcastOrder(o Order) {
	b.dispatch("orders", o.AccountID, o.Symbol, o)
}

func (b *Broker) broadcastExecution(e Execution) {
	b.dispatch("executions", e.AccountID, e.Symbol, e)
}

func (b *Broker) broadcastPosition(p Position) {
	b.dispatch("positions", p.AccountID, p.Symbol, p)
}

func (b *Broker) broadcastEquity(a Accounting) {
	b.dispatch("equity", a.AccountID, "", a)
}

func (b *Broker) dispatch(topicType, accountID, symbol string, payload any) {
	b.mu.Lock()
	set := b.callbacks[topicType]
	cbs := make([]func(payload any), 0, len(set))
	for _, sub := range set {
		if matchesScope(sub.params, accountID, symbol) {
			cbs = append(cbs, sub.cb)
		}
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(payload)
	}
}

// snapshotFor returns the current state matching a newly subscribed topic,
// pushed immediately so a fresh subscriber doesn't wait for the next fill to
// see its existing book. For broker-connection it is also where spec.md
// §4.7.6's "publishes a single Connected status immediately on subscribe; no
// periodic updates" is satisfied - there is no background ticker for this
// topic type.
func (b *Broker) snapshotFor(topicType string, params map[string]any) []any {
	accountID, _ := params["accountId"].(string)

	var out []any
	switch topicType {
	case "orders":
		for _, o := range b.orders {
			if matchesScope(params, o.AccountID, o.Symbol) {
				out = append(out, *o)
			}
		}
	case "positions":
		for _, set := range b.positions {
			for _, p := range set {
				if matchesScope(params, p.AccountID, p.Symbol) {
					out = append(out, *p)
				}
			}
		}
	case "equity":
		if acc, ok := b.accounting[accountID]; ok {
			out = append(out, *acc)
		}
	case "broker-connection":
		out = append(out, ConnectionStatus{Status: "connected", Timestamp: time.Now()})
	}
	return out
}

func matchesScope(params map[string]any, accountID, symbol string) bool {
	if v, ok := params["accountId"].(string); ok && v != "" && v != accountID {
		return false
	}
	if v, ok := params["symbol"].(string); ok && v != "" && symbol != "" && v != symbol {
		return false
	}
	return true
}

