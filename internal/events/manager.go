// Package events fans status events out to live subscribers. Each identity
// may hold any number of subscriptions; a subscription that cannot keep up
// is dropped rather than allowed to stall the publisher.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/distill/internal/models"
)

const (
	DefaultBufferSize  = 64
	DefaultSendTimeout = 100 * time.Millisecond
)

var ErrManagerClosed = errors.New("event manager closed")

// queue is the delivery side of a subscription.
type queue interface {
	// send delivers ev, waiting at most timeout for buffer space.
	// It returns false if the queue is closed or stayed full.
	send(ev models.StatusEvent, timeout time.Duration) bool
	close()
}

// Subscription is one registered queue.
type Subscription struct {
	id       string
	identity string
	ch       chan models.StatusEvent

	mu     sync.Mutex
	closed bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Identity returns the identity the subscription is registered under.
func (s *Subscription) Identity() string { return s.identity }

// Events returns the delivery channel. It is closed when the subscription
// is removed, pruned, or the manager closes.
func (s *Subscription) Events() <-chan models.StatusEvent { return s.ch }

func (s *Subscription) send(ev models.StatusEvent, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type entry struct {
	sub *Subscription
	q   queue
}

// Manager maps identities to their subscriptions.
type Manager struct {
	mu          sync.RWMutex
	subs        map[string][]entry
	closed      bool
	bufferSize  int
	sendTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBufferSize sets the per-subscription buffer.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithSendTimeout sets how long Publish waits on a full queue before
// pruning it.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subs:        make(map[string][]entry),
		bufferSize:  DefaultBufferSize,
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a new queue under identity.
func (m *Manager) Subscribe(identity string) (*Subscription, error) {
	sub := &Subscription{
		id:       uuid.New().String(),
		identity: identity,
		ch:       make(chan models.StatusEvent, m.bufferSize),
	}
	if err := m.register(identity, entry{sub: sub, q: sub}); err != nil {
		return nil, err
	}
	m.logger.Debug("subscribed", "identity", identity, "subscription_id", sub.id)
	return sub, nil
}

func (m *Manager) register(identity string, e entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.subs[identity] = append(m.subs[identity], e)
	return nil
}

// Publish stamps ev with an id and timestamp and enqueues it on every queue
// of identity. Queues that fail to accept it are pruned. It returns the
// number of queues that received the event.
func (m *Manager) Publish(identity string, ev models.StatusEvent) int {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return 0
	}
	targets := make([]entry, len(m.subs[identity]))
	copy(targets, m.subs[identity])
	m.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if e.q.send(ev, m.sendTimeout) {
			delivered++
			continue
		}
		m.logger.Warn("pruning subscription", "identity", identity, "subscription_id", e.sub.id, "event_kind", ev.Kind)
		m.remove(identity, e.sub)
	}
	return delivered
}

// Unsubscribe removes sub and closes its channel. The identity entry goes
// away with its last subscription.
func (m *Manager) Unsubscribe(identity string, sub *Subscription) {
	if sub == nil {
		return
	}
	m.remove(identity, sub)
	m.logger.Debug("unsubscribed", "identity", identity, "subscription_id", sub.id)
}

func (m *Manager) remove(identity string, sub *Subscription) {
	m.mu.Lock()
	list := m.subs[identity]
	var removed queue
	for i, e := range list {
		if e.sub == sub {
			removed = e.q
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.subs, identity)
	} else {
		m.subs[identity] = list
	}
	m.mu.Unlock()

	if removed != nil {
		removed.close()
	}
}

// Close closes every queue. Later Subscribe calls return ErrManagerClosed
// and Publish becomes a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := m.subs
	m.subs = make(map[string][]entry)
	m.mu.Unlock()

	for _, list := range all {
		for _, e := range list {
			e.q.close()
		}
	}
}

// Subscribers returns how many queues identity currently holds.
func (m *Manager) Subscribers(identity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[identity])
}

// Stats reports the number of identities and queues.
func (m *Manager) Stats() (identities, subscriptions int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, list := range m.subs {
		subscriptions += len(list)
	}
	return len(m.subs), subscriptions
}
