// Package route implements the generic subscribe/unsubscribe state machine
// described in spec.md §4.4, and the per-route broadcast pump (§4.5). One
// Route instance exists per logical stream (bars, quotes, orders, ...);
// each plugs into a shared domain Engine through the narrow create_topic /
// remove_topic capability interface, never the other way around (spec.md
// §9 "Cyclic/shared graphs").
//
// Grounded on the teacher's subscribe/unsubscribe handling
// (internal/shared/handlers_message.go) and its ack/update envelope shapes,
// generalized from flat channel strings to structured, per-route parameter
// validation and canonical topic derivation (internal/topic).
package route

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradestream/marketfabric/internal/registry"
	"github.com/tradestream/marketfabric/internal/topic"
	"github.com/tradestream/marketfabric/internal/transport"
)

// Params is implemented by each route's request-parameter struct. Validate
// enforces the "required fields only" rule from spec.md §3: an optional
// field present or absent would silently desync the topic string between
// requester and responder.
type Params interface {
	Validate() error
}

// Engine is the narrow capability interface a domain engine exposes to a
// Route (spec.md §9). cb must be non-blocking and must not perform I/O: it
// only enqueues into the route's pump.
type Engine interface {
	CreateTopic(topic string, cb func(payload any)) error
	RemoveTopic(topic string) error
}

// ValidationError corresponds to spec.md §7's ValidationError: the
// connection survives, only the subscribe call is rejected.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid params: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// EngineBusyError corresponds to spec.md §7's EngineBusyError.
type EngineBusyError struct{ Err error }

func (e *EngineBusyError) Error() string { return fmt.Sprintf("engine busy: %v", e.Err) }
func (e *EngineBusyError) Unwrap() error { return e.Err }

// subscribeResponse and updateMessage are the outbound envelope shapes from
// spec.md §6.
type subscribeResponse struct {
	Status string `json:"status"`
	Topic  string `json:"topic,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type updatePayload struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Route binds one logical stream's subscribe/unsubscribe/update protocol to
// a shared domain Engine.
type Route struct {
	Name      string
	engine    Engine
	newParams func() Params
	tracker   *registry.TopicTracker[*transport.Connection]
	pump      *Pump
	logger    zerolog.Logger
}

// New constructs a route. newParams must return a freshly zeroed Params
// value each call, ready to be json.Unmarshal'd into.
func New(name string, engine Engine, newParams func() Params, queueCapacity int, logger zerolog.Logger) *Route {
	r := &Route{
		Name:      name,
		engine:    engine,
		newParams: newParams,
		tracker:   registry.NewTopicTracker[*transport.Connection](),
		logger:    logger.With().Str("route", name).Logger(),
	}
	r.pump = newPump(name, queueCapacity, r.tracker, r.logger)
	return r
}

// Start launches the route's broadcast pump worker.
func (r *Route) Start() { r.pump.start() }

// Stop drains and stops the route's broadcast pump (spec.md §4.8
// Supervisor: "cancel all broadcast pumps after draining").
func (r *Route) Stop() { r.pump.stop() }

// Subscribe implements spec.md §4.4's subscribe handler.
func (r *Route) Subscribe(conn *transport.Connection, listenerID string, rawParams json.RawMessage) {
	params := r.newParams()
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, params); err != nil {
			r.replyError(conn, "", fmt.Sprintf("malformed params: %v", err))
			return
		}
	}
	if err := params.Validate(); err != nil {
		r.replyError(conn, "", err.Error())
		return
	}

	topicStr, err := topic.Build(r.Name, params)
	if err != nil {
		r.replyError(conn, "", err.Error())
		return
	}

	if isNew := conn.Subs.Subscribe(listenerID, topicStr); !isNew {
		// Duplicate subscribe from the same listenerId: idempotent, just
		// re-ack (spec.md §4.4 edge cases). Confirm here too, so a retried
		// subscribe after a dropped first ack still unblocks delivery.
		if err := r.reply(conn, subscribeResponse{Status: "ok", Topic: topicStr}); err == nil {
			conn.Subs.Confirm(topicStr)
		}
		return
	}

	becameActive := r.tracker.Increment(topicStr, conn)
	if becameActive {
		cbTopic := topicStr
		if err := r.engine.CreateTopic(topicStr, func(payload any) {
			r.pump.enqueue(cbTopic, payload)
		}); err != nil {
			r.tracker.Decrement(topicStr, conn, true)
			conn.Subs.Unsubscribe(listenerID)
			r.replyError(conn, topicStr, err.Error())
			return
		}
	}

	if err := r.reply(conn, subscribeResponse{Status: "ok", Topic: topicStr}); err == nil {
		conn.Subs.Confirm(topicStr)
	}
}

// Unsubscribe implements spec.md §4.4's unsubscribe handler.
func (r *Route) Unsubscribe(conn *transport.Connection, listenerID string) {
	topicStr, wasLast, ok := conn.Subs.Unsubscribe(listenerID)
	if !ok {
		// Unknown listenerId: no-op, not an error (spec.md §4.4 edge cases).
		r.reply(conn, envelope{Type: r.Name + ".unsubscribe.response", Payload: subscribeResponse{Status: "ok"}})
		return
	}

	if becameInactive := r.tracker.Decrement(topicStr, conn, wasLast); becameInactive {
		if err := r.engine.RemoveTopic(topicStr); err != nil {
			r.logger.Warn().Err(err).Str("topic", topicStr).Msg("remove_topic failed")
		}
	}

	r.reply(conn, envelope{Type: r.Name + ".unsubscribe.response", Payload: subscribeResponse{Status: "ok", Topic: topicStr}})
}

// TeardownConnection releases every subscription conn still holds on this
// route (spec.md §4.4 "Connection teardown"). pairs is the full, cross-route
// teardown list from registry.ConnSubs.Teardown(); the route filters to the
// entries whose topic belongs to it.
func (r *Route) TeardownConnection(conn *transport.Connection, pairs []registry.ListenerTopic) {
	prefix := r.Name + ":"
	for _, p := range pairs {
		if len(p.Topic) < len(prefix) || p.Topic[:len(prefix)] != prefix {
			continue
		}
		if becameInactive := r.tracker.Decrement(p.Topic, conn, true); becameInactive {
			if err := r.engine.RemoveTopic(p.Topic); err != nil {
				r.logger.Warn().Err(err).Str("topic", p.Topic).Msg("remove_topic failed during teardown")
			}
		}
	}
}

// Count exposes the current subscriber count for a topic (used by tests and
// the health/metrics surface; spec.md §8 invariant 1).
func (r *Route) Count(topicStr string) int { return r.tracker.Count(topicStr) }

// ActiveTopics returns how many distinct topics currently have subscribers.
func (r *Route) ActiveTopics() int { return r.tracker.Active() }

// TotalSubscribers sums subscriber references across every active topic on
// this route, feeding the subscriber_count metric (spec.md §5).
func (r *Route) TotalSubscribers() int { return r.tracker.TotalReferences() }

// QueueDepth reports how many updates are currently buffered in the
// broadcast pump, used by the health endpoint to detect a backed-up route.
func (r *Route) QueueDepth() int { return len(r.pump.queue) }

func (r *Route) reply(conn *transport.Connection, payload any) error {
	var msg envelope
	if e, ok := payload.(envelope); ok {
		msg = e
	} else {
		msg = envelope{Type: r.Name + ".subscribe.response", Payload: payload}
	}
	return conn.Send(msg)
}

func (r *Route) replyError(conn *transport.Connection, topicStr, reason string) {
	r.reply(conn, envelope{
		Type:    r.Name + ".subscribe.response",
		Payload: subscribeResponse{Status: "error", Topic: topicStr, Reason: reason},
	})
}
