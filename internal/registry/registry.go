// Package registry implements the Subscription Registry (spec.md §4.3): a
// per-connection set of topics plus listener-id lookup, and a process-wide,
// per-route topic reference count with a reverse index for delivery.
// Grounded on the teacher's SubscriptionSet/SubscriptionIndex
// (internal/shared/connection.go), generalized from flat channel names to
// arbitrary comparable subscriber handles and confirmation state.
package registry

import "sync"

// ConnSubs tracks one connection's subscriptions: listenerID -> topic, and
// per-topic confirmation state. Operations are internally serialized so a
// connection's subscribe/unsubscribe/teardown never race each other.
type ConnSubs struct {
	mu             sync.Mutex
	listenerTopic  map[string]string          // listenerID -> topic
	topicListeners map[string]map[string]bool // topic -> set of listenerIDs
	confirmed      map[string]bool            // topic -> confirmed
}

// NewConnSubs returns an empty per-connection subscription set.
func NewConnSubs() *ConnSubs {
	return &ConnSubs{
		listenerTopic:  make(map[string]string),
		topicListeners: make(map[string]map[string]bool),
		confirmed:      make(map[string]bool),
	}
}

// Subscribe records listenerID -> topic. Returns isNew=false when listenerID
// is already mapped to the same topic (the duplicate-subscribe edge case in
// spec.md §4.4 is idempotent: no double increment).
func (c *ConnSubs) Subscribe(listenerID, topic string) (isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.listenerTopic[listenerID]; ok && existing == topic {
		return false
	}

	c.listenerTopic[listenerID] = topic
	set, ok := c.topicListeners[topic]
	if !ok {
		set = make(map[string]bool)
		c.topicListeners[topic] = set
	}
	set[listenerID] = true
	return true
}

// Unsubscribe removes listenerID's mapping. ok is false for an unknown
// listenerID (a no-op per spec.md §4.4, not an error). wasLast is true when
// no other listenerID on this connection is still subscribed to the topic.
func (c *ConnSubs) Unsubscribe(listenerID string) (topic string, wasLast bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	topic, ok = c.listenerTopic[listenerID]
	if !ok {
		return "", false, false
	}
	delete(c.listenerTopic, listenerID)

	set := c.topicListeners[topic]
	delete(set, listenerID)
	if len(set) == 0 {
		delete(c.topicListeners, topic)
		delete(c.confirmed, topic)
		wasLast = true
	}
	return topic, wasLast, true
}

// Confirm flips a topic to confirmed after the subscribe.response has been
// sent (spec.md §3: updates arriving before confirmation are dropped).
func (c *ConnSubs) Confirm(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed[topic] = true
}

// IsConfirmed reports whether topic has been confirmed on this connection.
func (c *ConnSubs) IsConfirmed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed[topic]
}

// Teardown returns every (listenerID, topic) pair still active on this
// connection and clears all state. Used on disconnect (spec.md §4.4
// "Connection teardown").
func (c *ConnSubs) Teardown() []ListenerTopic {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ListenerTopic, 0, len(c.listenerTopic))
	for listenerID, t := range c.listenerTopic {
		out = append(out, ListenerTopic{ListenerID: listenerID, Topic: t})
	}
	c.listenerTopic = make(map[string]string)
	c.topicListeners = make(map[string]map[string]bool)
	c.confirmed = make(map[string]bool)
	return out
}

// ListenerTopic pairs a listener id with the topic it was subscribed to.
type ListenerTopic struct {
	ListenerID string
	Topic      string
}

// TopicTracker is the process-wide, per-route reference count described in
// spec.md §3/§4.3: first-to-one triggers create_topic, one-to-zero triggers
// remove_topic. It also holds the reverse index (topic -> subscribers) the
// broadcast pump needs to avoid scanning every connection on each update.
type TopicTracker[S comparable] struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry[S]
}

type trackerEntry[S comparable] struct {
	count int
	subs  map[S]struct{}
}

// NewTopicTracker returns an empty tracker for subscriber handles of type S.
func NewTopicTracker[S comparable]() *TopicTracker[S] {
	return &TopicTracker[S]{entries: make(map[string]*trackerEntry[S])}
}

// Increment adds one reference for topic from subscriber sub. becameActive
// is true exactly when the pre-increment count was zero (spec.md §4.4 step
// 3: "If pre-increment count == 0, invoke engine.create_topic").
func (t *TopicTracker[S]) Increment(topic string, sub S) (becameActive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[topic]
	if !ok {
		e = &trackerEntry[S]{subs: make(map[S]struct{})}
		t.entries[topic] = e
	}
	becameActive = e.count == 0
	e.count++
	e.subs[sub] = struct{}{}
	return becameActive
}

// Decrement removes one reference for topic from subscriber sub.
// removeFromIndex should be true when this was the subscriber's last active
// listener for the topic (so it stops receiving broadcasts for it).
// becameInactive is true when the count reached zero, at which point the
// caller must invoke engine.remove_topic.
func (t *TopicTracker[S]) Decrement(topic string, sub S, removeFromIndex bool) (becameInactive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[topic]
	if !ok {
		return false
	}
	if e.count > 0 {
		e.count--
	}
	if removeFromIndex {
		delete(e.subs, sub)
	}
	if e.count <= 0 {
		delete(t.entries, topic)
		return true
	}
	return false
}

// Subscribers returns a snapshot of the subscriber handles for topic.
func (t *TopicTracker[S]) Subscribers(topic string) []S {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[topic]
	if !ok {
		return nil
	}
	out := make([]S, 0, len(e.subs))
	for s := range e.subs {
		out = append(out, s)
	}
	return out
}

// Count returns the current reference count for topic (0 if untracked).
// Invariant (spec.md §8 property 1): Count(topic) >= 0 always.
func (t *TopicTracker[S]) Count(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[topic]; ok {
		return e.count
	}
	return 0
}

// Active returns how many topics currently have subscribers.
func (t *TopicTracker[S]) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TotalReferences sums the reference count across every active topic, for
// the route-level subscriber_count metric (spec.md §5).
func (t *TopicTracker[S]) TotalReferences() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, e := range t.entries {
		total += e.count
	}
	return total
}
