package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// Memory is an in-process broadcast transport. Publish never blocks: each
// consumer owns an unbounded queue, so a handler may publish without
// deadlocking on its own subscription.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]*memorySub
	nextID int
	closed bool
	logger *zap.Logger
}

type memorySub struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
}

func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		subs:   make(map[int]*memorySub),
		logger: logging.OrNop(logger).Named("notify.memory"),
	}
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for _, s := range m.subs {
		s.push(ev)
	}
	return nil
}

func (m *Memory) Consume(ctx context.Context, _ string, h Handler) error {
	sub := &memorySub{signal: make(chan struct{}, 1)}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.signal:
		}
		for _, ev := range sub.drain() {
			if ctx.Err() != nil {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				m.logger.Warn("event handler failed", zap.String("record_id", ev.RecordID), zap.Error(err))
			}
		}
	}
}

// Subscribers reports the number of active consumers.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (s *memorySub) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}
