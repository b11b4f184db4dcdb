// Package datafeed implements the Datafeed Engine (spec.md §4.6): one
// background task per active topic, generating synthetic OHLCV bars and
// quotes on a fixed period regardless of how many subscribers the topic has.
// Grounded on the teacher's ticker-driven broadcaster
// (internal/shared/broadcast.go), generalized from a single fixed set of
// symbols pushed on one shared interval to per-topic tasks keyed by the
// exact (symbol, resolution) a client asked for.
package datafeed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradestream/marketfabric/internal/metrics"
	topicpkg "github.com/tradestream/marketfabric/internal/topic"
)

// Config carries the configuration table rows from spec.md §6 that govern
// the datafeed engine.
type Config struct {
	Interval    time.Duration
	Symbols     []string // empty means "all symbols allowed"
	Resolutions []string // empty means "all resolutions allowed"
	Enabled     bool
}

// ErrSymbolNotAllowed and ErrResolutionNotAllowed surface as subscribe
// rejections (spec.md §7 ValidationError) when the requested symbol or
// resolution falls outside the configured allowlist.
var (
	ErrSymbolNotAllowed     = fmt.Errorf("symbol not enabled for this feed")
	ErrResolutionNotAllowed = fmt.Errorf("resolution not enabled for this feed")
)

// Bar is the OHLCV payload broadcast on the bars topic.
type Bar struct {
	Symbol     string  `json:"symbol"`
	Resolution string  `json:"resolution"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
	Timestamp  int64   `json:"timestamp"`
}

// Quote is the payload broadcast on the quotes topic. Status is "ok" or
// "error"; Bid/Ask/Last are only populated on "ok" (spec.md §4.6: "success
// or error quote").
type Quote struct {
	Symbol    string  `json:"symbol"`
	Status    string  `json:"status"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	Last      float64 `json:"last,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Datafeed is the shared domain engine behind the "bars" and "quotes"
// routes. It implements route.Engine.
type Datafeed struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	tasks     map[string]context.CancelFunc
	lastPrice map[string]float64

	wg sync.WaitGroup
}

// New constructs a Datafeed engine.
func New(cfg Config, logger zerolog.Logger) *Datafeed {
	return &Datafeed{
		cfg:       cfg,
		logger:    logger.With().Str("engine", "datafeed").Logger(),
		tasks:     make(map[string]context.CancelFunc),
		lastPrice: make(map[string]float64),
	}
}

// CreateTopic starts a background generator task for topic if one isn't
// already running (spec.md §4.6: "one task per topic, independent of
// subscriber count").
func (d *Datafeed) CreateTopic(topic string, cb func(payload any)) error {
	route, params, err := topicpkg.Split(topic)
	if err != nil {
		return err
	}

	symbol, _ := params["symbol"].(string)
	if !d.symbolAllowed(symbol) {
		return ErrSymbolNotAllowed
	}

	var resolution string
	if route == "bars" {
		resolution, _ = params["resolution"].(string)
		if !d.resolutionAllowed(resolution) {
			return ErrResolutionNotAllowed
		}
	}

	d.mu.Lock()
	if _, exists := d.tasks[topic]; exists {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.tasks[topic] = cancel
	d.mu.Unlock()

	metrics.DatafeedTasksActive.Inc()
	d.wg.Add(1)
	switch route {
	case "bars":
		go d.runBarTask(ctx, symbol, resolution, cb)
	case "quotes":
		go d.runQuoteTask(ctx, symbol, cb)
	default:
		d.wg.Done()
		metrics.DatafeedTasksActive.Dec()
		d.mu.Lock()
		delete(d.tasks, topic)
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("datafeed: unknown route %q", route)
	}
	return nil
}

// RemoveTopic stops the background task for topic, if any.
func (d *Datafeed) RemoveTopic(topic string) error {
	d.mu.Lock()
	cancel, ok := d.tasks[topic]
	if ok {
		delete(d.tasks, topic)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels every running task and waits for them to exit, part of
// the Supervisor's shutdown sequence (spec.md §4.8).
func (d *Datafeed) Shutdown() {
	d.mu.Lock()
	for topic, cancel := range d.tasks {
		cancel()
		delete(d.tasks, topic)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Datafeed) symbolAllowed(symbol string) bool {
	if len(d.cfg.Symbols) == 0 {
		return true
	}
	for _, s := range d.cfg.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (d *Datafeed) resolutionAllowed(resolution string) bool {
	if len(d.cfg.Resolutions) == 0 {
		return true
	}
	for _, r := range d.cfg.Resolutions {
		if r == resolution {
			return true
		}
	}
	return false
}

func (d *Datafeed) runBarTask(ctx context.Context, symbol, resolution string, cb func(payload any)) {
	defer d.wg.Done()
	defer metrics.DatafeedTasksActive.Dec()

	if !d.cfg.Enabled {
		<-ctx.Done()
		return
	}

	interval := d.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb(d.nextBar(symbol, resolution))
		}
	}
}

func (d *Datafeed) runQuoteTask(ctx context.Context, symbol string, cb func(payload any)) {
	defer d.wg.Done()
	defer metrics.DatafeedTasksActive.Dec()

	if !d.cfg.Enabled {
		<-ctx.Done()
		return
	}

	interval := d.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb(d.nextQuote(symbol))
		}
	}
}

func (d *Datafeed) nextBar(symbol, resolution string) Bar {
	d.mu.Lock()
	last, ok := d.lastPrice[symbol]
	if !ok {
		last = 100 + rand.Float64()*100
	}
	open := last
	delta := (rand.Float64() - 0.5) * open * 0.01
	close := math.Max(0.01, open+delta)
	high := math.Max(open, close) + rand.Float64()*open*0.002
	low := math.Min(open, close) - rand.Float64()*open*0.002
	d.lastPrice[symbol] = close
	d.mu.Unlock()

	return Bar{
		Symbol:     symbol,
		Resolution: resolution,
		Open:       round2(open),
		High:       round2(high),
		Low:        round2(low),
		Close:      round2(close),
		Volume:     int64(1000 + rand.Intn(9000)),
		Timestamp:  time.Now().UnixMilli(),
	}
}

func (d *Datafeed) nextQuote(symbol string) Quote {
	d.mu.Lock()
	last, ok := d.lastPrice[symbol]
	if !ok {
		last = 100 + rand.Float64()*100
		d.lastPrice[symbol] = last
	}
	d.mu.Unlock()

	if rand.Float64() < 0.02 {
		return Quote{Symbol: symbol, Status: "error", Reason: "quote unavailable", Timestamp: time.Now().UnixMilli()}
	}

	spread := last * 0.0005
	return Quote{
		Symbol:    symbol,
		Status:    "ok",
		Bid:       round2(last - spread),
		Ask:       round2(last + spread),
		Last:      round2(last),
		Timestamp: time.Now().UnixMilli(),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
