package route

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradestream/marketfabric/internal/metrics"
	"github.com/tradestream/marketfabric/internal/registry"
	"github.com/tradestream/marketfabric/internal/transport"
)

// Pump is the Broadcast Pump from spec.md §4.5: a single bounded queue per
// route, drained by one worker, fanning out to every confirmed subscriber of
// a topic. Grounded on the teacher's per-client outbound queue
// (internal/shared/broadcast.go), generalized from "one queue per
// connection" to "one queue per route" since the fan-in side (engines) now
// produces updates per topic rather than per connection.
type Pump struct {
	routeName string
	tracker   *registry.TopicTracker[*transport.Connection]
	logger    zerolog.Logger

	queue chan pumpItem
	done  chan struct{}
	wg    sync.WaitGroup
}

type pumpItem struct {
	topic   string
	payload any
}

func newPump(routeName string, capacity int, tracker *registry.TopicTracker[*transport.Connection], logger zerolog.Logger) *Pump {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pump{
		routeName: routeName,
		tracker:   tracker,
		logger:    logger,
		queue:     make(chan pumpItem, capacity),
		done:      make(chan struct{}),
	}
}

func (p *Pump) start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Pump) stop() {
	close(p.done)
	p.wg.Wait()
}

// enqueue is the non-blocking producer side an engine callback calls into.
// A full queue drops the oldest pending update to make room for the new one
// (spec.md §4.5: "drop-oldest backpressure"), incrementing
// broadcasts_dropped (spec.md §5's required counter).
func (p *Pump) enqueue(topic string, payload any) {
	item := pumpItem{topic: topic, payload: payload}
	select {
	case p.queue <- item:
		return
	default:
	}

	select {
	case <-p.queue:
	default:
	}
	select {
	case p.queue <- item:
	default:
		// Lost a race with another producer; the update is simply dropped.
	}
	metrics.BroadcastsDropped.WithLabelValues(p.routeName).Inc()
}

func (p *Pump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case item := <-p.queue:
			p.deliver(item)
		}
	}
}

func (p *Pump) drain() {
	for {
		select {
		case item := <-p.queue:
			p.deliver(item)
		default:
			return
		}
	}
}

func (p *Pump) deliver(item pumpItem) {
	for _, conn := range p.tracker.Subscribers(item.topic) {
		if !conn.Subs.IsConfirmed(item.topic) {
			continue
		}
		msg := envelope{
			Type:    p.routeName + ".update",
			Payload: updatePayload{Topic: item.topic, Payload: item.payload},
		}
		if err := conn.Send(msg); err != nil {
			p.logger.Debug().Err(err).Str("topic", item.topic).Msg("update delivery failed")
		}
	}
}
