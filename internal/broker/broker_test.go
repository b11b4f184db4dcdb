package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestApplyExecution_OpensFlatPosition(t *testing.T) {
	pos := &Position{}
	realized := applyExecution(pos, Buy, 10, 100)
	if realized != 0 {
		t.Fatalf("opening a flat position must not realize P&L, got %v", realized)
	}
	if pos.Quantity != 10 || pos.AvgPrice != 100 {
		t.Fatalf("unexpected position after open: %+v", pos)
	}
}

func TestApplyExecution_AveragesUpSameSide(t *testing.T) {
	pos := &Position{Quantity: 10, AvgPrice: 100}
	realized := applyExecution(pos, Buy, 10, 120)
	if realized != 0 {
		t.Fatalf("same-side fill must not realize P&L, got %v", realized)
	}
	if pos.Quantity != 20 {
		t.Fatalf("expected quantity 20, got %v", pos.Quantity)
	}
	if pos.AvgPrice != 110 {
		t.Fatalf("expected average price 110, got %v", pos.AvgPrice)
	}
}

// S5 from spec.md §8: an opposite-side fill that exactly offsets an open
// position closes it and realizes the full P&L.
func TestApplyExecution_ClosesPositionExactly(t *testing.T) {
	pos := &Position{Quantity: 10, AvgPrice: 100}
	realized := applyExecution(pos, Sell, 10, 115)
	if realized != 150 {
		t.Fatalf("expected realized P&L 150, got %v", realized)
	}
	if pos.Quantity != 0 {
		t.Fatalf("position should be flat after an exact close, got %v", pos.Quantity)
	}
}

func TestApplyExecution_ReducesWithoutFlipping(t *testing.T) {
	pos := &Position{Quantity: 10, AvgPrice: 100}
	realized := applyExecution(pos, Sell, 4, 110)
	if realized != 40 {
		t.Fatalf("expected realized P&L 40, got %v", realized)
	}
	if pos.Quantity != 6 {
		t.Fatalf("expected remaining quantity 6, got %v", pos.Quantity)
	}
	if pos.AvgPrice != 100 {
		t.Fatalf("average price of the remaining open lot must not change, got %v", pos.AvgPrice)
	}
}

// S6 from spec.md §8: an opposite-side fill larger than the open position
// closes it and opens a new position on the other side at the fill price.
func TestApplyExecution_FlipsThroughFlat(t *testing.T) {
	pos := &Position{Quantity: 10, AvgPrice: 100}
	realized := applyExecution(pos, Sell, 15, 90)
	if realized != -100 {
		t.Fatalf("expected realized P&L -100 on the closed leg, got %v", realized)
	}
	if pos.Quantity != -5 {
		t.Fatalf("expected a flipped short position of -5, got %v", pos.Quantity)
	}
	if pos.AvgPrice != 90 {
		t.Fatalf("flipped position must open at the fill price, got %v", pos.AvgPrice)
	}
}

func TestApplyExecution_ShortCoverRealizesPnLInCorrectDirection(t *testing.T) {
	pos := &Position{Quantity: -10, AvgPrice: 100}
	realized := applyExecution(pos, Buy, 10, 80)
	if realized != 200 {
		t.Fatalf("expected realized P&L 200 covering a short at a lower price, got %v", realized)
	}
	if pos.Quantity != 0 {
		t.Fatalf("position should be flat, got %v", pos.Quantity)
	}
}

func TestResolveFillPrice_LimitUsesLimitPrice(t *testing.T) {
	lp := 150.0
	order := &Order{Type: Limit, LimitPrice: &lp}
	price, err := resolveFillPrice(order)
	if err != nil {
		t.Fatalf("resolveFillPrice: %v", err)
	}
	if price != 150 {
		t.Fatalf("expected limit fill price 150, got %v", price)
	}
}

func TestResolveFillPrice_LimitMissingPriceErrors(t *testing.T) {
	order := &Order{Type: Limit}
	if _, err := resolveFillPrice(order); err == nil {
		t.Fatal("expected an error resolving a limit order with no limitPrice")
	}
}

func TestResolveFillPrice_StopUsesStopPrice(t *testing.T) {
	sp := 95.0
	order := &Order{Type: Stop, StopPrice: &sp}
	price, err := resolveFillPrice(order)
	if err != nil {
		t.Fatalf("resolveFillPrice: %v", err)
	}
	if price != 95 {
		t.Fatalf("expected stop fill price 95, got %v", price)
	}
}

func TestResolveFillPrice_MarketFallsBackThroughSeenPriceThenConstant(t *testing.T) {
	sp := 123.0
	withSeen := &Order{Type: Market, SeenPrice: &sp}
	price, err := resolveFillPrice(withSeen)
	if err != nil || price != 123 {
		t.Fatalf("expected market order to use seenPrice 123, got %v err=%v", price, err)
	}

	bare := &Order{Type: Market}
	price, err = resolveFillPrice(bare)
	if err != nil || price != marketFallbackPrice {
		t.Fatalf("expected market order with no price hints to use the constant fallback, got %v err=%v", price, err)
	}
}

// S4 from spec.md §8: place a market buy of qty=10 at limitPrice=150 on a
// fresh engine with balance=100000. The cascade's broadcasts must arrive in
// order (executions, orders, equity, positions) and reflect exactly the
// scenario's fill price, quantity, and resulting equity.
func TestBroker_ExecutionCascadeOrder(t *testing.T) {
	b := New(Config{ExecutionDelay: time.Millisecond}, zerolog.Nop())
	b.Start()
	defer b.Shutdown()

	var mu sync.Mutex
	var seq []string
	var gotExec Execution
	var gotFilledOrder Order
	var gotEquity Accounting
	var gotPosition Position
	done := make(chan struct{}, 1)

	must := func(err error) {
		if err != nil {
			t.Fatalf("CreateTopic: %v", err)
		}
	}
	must(b.CreateTopic(`executions:{}`, func(p any) {
		mu.Lock()
		seq = append(seq, "execution")
		gotExec = p.(Execution)
		mu.Unlock()
	}))
	must(b.CreateTopic(`orders:{}`, func(p any) {
		mu.Lock()
		seq = append(seq, "order")
		if o := p.(Order); o.Status == StatusFilled {
			gotFilledOrder = o
		}
		mu.Unlock()
	}))
	must(b.CreateTopic(`equity:{}`, func(p any) {
		mu.Lock()
		seq = append(seq, "equity")
		gotEquity = p.(Accounting)
		mu.Unlock()
	}))
	must(b.CreateTopic(`positions:{}`, func(p any) {
		mu.Lock()
		seq = append(seq, "position")
		gotPosition = p.(Position)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}))

	limitPrice := 150.0
	if _, err := b.PlaceOrder(PreOrder{
		AccountID: "acct-1", Symbol: "AAPL", Type: Market, Side: Buy, Quantity: 10, LimitPrice: &limitPrice,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the order to fill")
	}
	// Allow the cascade's final broadcast call to return before reading seq.
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seq) < 5 {
		t.Fatalf("expected at least 5 recorded events, got %v", seq)
	}
	// seq[0] is the immediate "working" broadcast from PlaceOrder itself.
	tail := seq[len(seq)-4:]
	want := []string{"execution", "order", "equity", "position"}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("cascade order = %v, want suffix %v", seq, want)
		}
	}

	if gotExec.Symbol != "AAPL" || gotExec.Price != 150 || gotExec.Quantity != 10 || gotExec.Side != Buy {
		t.Fatalf("unexpected execution payload: %+v", gotExec)
	}
	if gotFilledOrder.Status != StatusFilled || gotFilledOrder.FilledQty != 10 || gotFilledOrder.AvgPrice == nil || *gotFilledOrder.AvgPrice != 150 {
		t.Fatalf("unexpected filled order payload: %+v", gotFilledOrder)
	}
	if gotEquity.Cash != 100000 || gotEquity.UnrealizedPnL != 0 || gotEquity.Equity != 100000 {
		t.Fatalf("unexpected equity payload: %+v", gotEquity)
	}
	if gotPosition.Symbol != "AAPL" || gotPosition.Quantity != 10 || gotPosition.AvgPrice != 150 {
		t.Fatalf("unexpected position payload: %+v", gotPosition)
	}
}

// S5 from spec.md §8: closing the S4 position with an opposite-side fill
// realizes P&L and removes the position from the book after exactly one
// zero-quantity broadcast.
func TestBroker_ClosePositionRealizesPnLAndDeletesEntry(t *testing.T) {
	b := New(Config{ExecutionDisabled: true}, zerolog.Nop())

	limitPrice := 150.0
	buy, err := b.PlaceOrder(PreOrder{AccountID: "acct-1", Symbol: "AAPL", Type: Market, Side: Buy, Quantity: 10, LimitPrice: &limitPrice})
	if err != nil {
		t.Fatalf("PlaceOrder buy: %v", err)
	}
	b.fill(buy)

	sellPrice := 155.0
	sell, err := b.PlaceOrder(PreOrder{AccountID: "acct-1", Symbol: "AAPL", Type: Market, Side: Sell, Quantity: 10, LimitPrice: &sellPrice})
	if err != nil {
		t.Fatalf("PlaceOrder sell: %v", err)
	}
	b.fill(sell)

	acc := b.accounting["acct-1"]
	if acc.RealizedPnL != 50 || acc.Cash != 100050 || acc.Equity != 100050 {
		t.Fatalf("unexpected accounting after close: %+v", acc)
	}
	if _, ok := b.positions["acct-1"]["AAPL"]; ok {
		t.Fatal("closed position must be removed from the book")
	}
}

func TestBroker_PlaceOrderValidatesInputs(t *testing.T) {
	b := New(Config{}, zerolog.Nop())
	if _, err := b.PlaceOrder(PreOrder{AccountID: "", Symbol: "AAPL", Side: Buy, Quantity: 10}); err == nil {
		t.Fatal("expected validation error for missing accountId")
	}
	if _, err := b.PlaceOrder(PreOrder{AccountID: "A", Symbol: "AAPL", Side: "bogus", Quantity: 10}); err == nil {
		t.Fatal("expected validation error for invalid side")
	}
	if _, err := b.PlaceOrder(PreOrder{AccountID: "A", Symbol: "AAPL", Side: Buy, Quantity: 0}); err == nil {
		t.Fatal("expected validation error for non-positive quantity")
	}
	if _, err := b.PlaceOrder(PreOrder{AccountID: "A", Symbol: "AAPL", Side: Buy, Quantity: 10, Type: Limit}); err == nil {
		t.Fatal("expected validation error for a limit order with no resolvable limitPrice")
	}
	if _, err := b.PlaceOrder(PreOrder{AccountID: "A", Symbol: "AAPL", Side: Buy, Quantity: 10, Type: Stop}); err == nil {
		t.Fatal("expected validation error for a stop order with no stopPrice")
	}
}

func TestBroker_CancelOrderOnlyAffectsWorking(t *testing.T) {
	b := New(Config{ExecutionDisabled: true}, zerolog.Nop())
	limitPrice := 100.0
	o, err := b.PlaceOrder(PreOrder{AccountID: "A", Symbol: "AAPL", Type: Market, Side: Buy, Quantity: 10, LimitPrice: &limitPrice})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	b.fill(o)
	if _, err := b.CancelOrder(o.ID); err == nil {
		t.Fatal("expected error cancelling an already-filled order")
	}
}

// spec.md §8 property 1: subscriber_count(topic) > 0 iff the engine has an
// active producer. For the broker engine that producer is the shared
// execution simulator, which must start lazily on first subscriber and stop
// once the last one leaves.
func TestBroker_SimulatorLifecycleGatedBySubscribers(t *testing.T) {
	b := New(Config{ExecutionDelay: time.Millisecond}, zerolog.Nop())
	defer b.Shutdown()

	b.simMu.Lock()
	running := b.simRunning
	b.simMu.Unlock()
	if running {
		t.Fatal("simulator must not run before any subscriber exists")
	}

	if err := b.CreateTopic(`orders:{}`, func(any) {}); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	b.simMu.Lock()
	running = b.simRunning
	b.simMu.Unlock()
	if !running {
		t.Fatal("simulator must start once a subscriber is registered")
	}

	if err := b.RemoveTopic(`orders:{}`); err != nil {
		t.Fatalf("RemoveTopic: %v", err)
	}
	// ensureSimulatorStopped cancels synchronously, but the goroutine's exit
	// is asynchronous; simRunning itself flips immediately.
	b.simMu.Lock()
	running = b.simRunning
	b.simMu.Unlock()
	if running {
		t.Fatal("simulator must stop once the last subscriber leaves")
	}
}

// spec.md §4.7.6: broker-connection publishes exactly one Connected status
// on subscribe, with no periodic updates afterward.
func TestBroker_BrokerConnectionHasNoPeriodicUpdates(t *testing.T) {
	b := New(Config{ExecutionDisabled: true}, zerolog.Nop())
	defer b.Shutdown()

	var count int
	var mu sync.Mutex
	if err := b.CreateTopic(`broker-connection:{}`, func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one broker-connection broadcast, got %d", count)
	}
}
