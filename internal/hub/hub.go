// Package hub fans dispatched changelog entries out to live subscribers.
package hub

import (
	"sync"

	"github.com/golang/glog"

	"sheetsync/internal/command"
	"sheetsync/internal/metrics"
)

// Subscriber receives the entries of one datasheet in revision order.
// Send errors are logged and counted; the subscriber stays registered.
type Subscriber interface {
	Send(entry command.ChangeLog) error
}

type SubscriberFunc func(entry command.ChangeLog) error

func (f SubscriberFunc) Send(entry command.ChangeLog) error { return f(entry) }

// Subscription is one subscriber's registration for one datasheet. Entries
// are queued without bound and delivered by a dedicated goroutine, so a slow
// subscriber never holds up the dispatcher or other subscribers.
type Subscription struct {
	hub         *Hub
	datasheetID string
	subscriber  Subscriber
	// after is the revision the subscriber already holds; entries at or
	// below it are never delivered.
	after int64

	mu     sync.Mutex
	queue  []command.ChangeLog
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) DatasheetID() string { return s.datasheetID }

// Done is closed once the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) enqueue(entries ...command.ChangeLog) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	queued := 0
	for _, entry := range entries {
		if entry.Revision <= s.after {
			continue
		}
		s.queue = append(s.queue, entry)
		queued++
	}
	s.mu.Unlock()
	if queued == 0 {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, entry := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				if err := s.subscriber.Send(entry); err != nil {
					glog.Warningf("[hub]deliver %s@%d failed: %v", entry.DatasheetID, entry.Revision, err)
					s.hub.metrics.DeliveryFailed(entry.DatasheetID)
				}
			}
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

type Hub struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

func New(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		topics:  make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe queues backlog for delivery and then registers the subscriber
// for live entries with a revision greater than after. Callers serialize
// Subscribe with Broadcast for the same datasheet so no entry is both in
// backlog and broadcast.
func (h *Hub) Subscribe(datasheetID string, subscriber Subscriber, after int64, backlog []command.ChangeLog) *Subscription {
	s := &Subscription{
		hub:         h,
		datasheetID: datasheetID,
		subscriber:  subscriber,
		after:       after,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.enqueue(backlog...)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.stop()
		return s
	}
	subs, ok := h.topics[datasheetID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[datasheetID] = subs
	}
	subs[s] = struct{}{}
	h.metrics.SetSubscribers(datasheetID, len(subs))
	go s.run()
	glog.V(2).Infof("[hub]subscribe %s backlog=%d", datasheetID, len(backlog))
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[s.datasheetID]; ok {
		delete(subs, s)
		h.metrics.SetSubscribers(s.datasheetID, len(subs))
		if len(subs) == 0 {
			delete(h.topics, s.datasheetID)
		}
	}
	h.mu.Unlock()
	s.stop()
}

// Broadcast queues entry for every subscriber of the datasheet. It never
// blocks on delivery.
func (h *Hub) Broadcast(datasheetID string, entry command.ChangeLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.topics[datasheetID] {
		s.enqueue(entry)
	}
}

func (h *Hub) Count(datasheetID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[datasheetID])
}

// Close stops every subscription. Later subscriptions are stopped at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, subs := range h.topics {
		for s := range subs {
			s.stop()
		}
		h.metrics.SetSubscribers(id, 0)
	}
	h.topics = make(map[string]map[*Subscription]struct{})
}
