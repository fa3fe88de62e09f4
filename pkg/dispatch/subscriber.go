package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"orchestrator/pkg/proto"
)

// Subscriber is a transport-agnostic pull handle for one UI connection's
// outbound message stream. pkg/webui owns the actual websocket write loop;
// it only ever calls Next. Delivery discipline (§4.1 Fan-out): a full_status
// message always replaces the whole buffer outright (it subsumes every
// pending delta); a delta pushed onto a buffer already at capacity is
// replaced by a single fresh full_status snapshot instead of being dropped
// silently, so a slow subscriber never sees a torn partial state.
type Subscriber struct {
	ID string

	mu       sync.Mutex
	buf      []proto.WSMessage
	notify   chan struct{}
	closed   bool
	capacity int

	// snapshot produces a fresh full_status_update payload; invoked to
	// collapse an overflowing delta buffer.
	snapshot func() proto.WSMessage
}

func newSubscriber(capacity int, snapshot func() proto.WSMessage) *Subscriber {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscriber{
		ID:       uuid.NewString(),
		notify:   make(chan struct{}, 1),
		capacity: capacity,
		snapshot: snapshot,
	}
}

// push enqueues msg for delivery. Never blocks: full-status messages replace
// the buffer; deltas append unless that would exceed capacity, in which case
// the whole buffer collapses to one fresh full-status snapshot.
func (s *Subscriber) push(msg proto.WSMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if msg.Type == proto.WSFullStatusUpdate {
		s.buf = []proto.WSMessage{msg}
		s.wake()
		return
	}

	if len(s.buf) >= s.capacity {
		s.buf = []proto.WSMessage{s.snapshot()}
		s.wake()
		return
	}

	s.buf = append(s.buf, msg)
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until at least one message is available, ctx is cancelled, or
// the subscriber is closed (in which case it returns ok=false).
func (s *Subscriber) Next(ctx context.Context) (proto.WSMessage, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return msg, true
		}
		if s.closed {
			s.mu.Unlock()
			return proto.WSMessage{}, false
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return proto.WSMessage{}, false
		case <-s.notify:
		}
	}
}

// close marks the subscriber done; any blocked Next call returns false.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.wake()
}

// registry tracks every live Subscriber for fan-out.
type registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*Subscriber)}
}

func (r *registry) add(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.ID] = s
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// broadcast delivers msg to every currently registered subscriber.
func (r *registry) broadcast(msg proto.WSMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		s.push(msg)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
