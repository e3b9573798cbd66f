package postgres

import (
	"sync"

	"github.com/genesis-runtime/genesis/pkg/transport"
)

// subscription delivers samples to one handler on a dedicated goroutine.
// The mailbox is unbounded so the listener's receive loop never blocks on
// a slow handler; ordering within the subscription is preserved.
type subscription struct {
	t       *Transport
	topic   string
	channel string
	filter  transport.Filter
	h       transport.Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []transport.Sample
	stopped bool
	done    chan struct{}

	unsubOnce sync.Once
}

func newSubscription(t *Transport, topic, channel string, filter transport.Filter, h transport.Handler) *subscription {
	s := &subscription{t: t, topic: topic, channel: channel, filter: filter, h: h, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) start() {
	go s.drain()
}

func (s *subscription) enqueue(sample transport.Sample) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, sample)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, sample := range batch {
			s.h(sample)
		}
	}
}

// Unsubscribe detaches from the channel (UNLISTEN on last subscriber) and
// stops delivery after queued samples drain.
func (s *subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.t.removeSub(s.channel, s)
		s.stop()
	})
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}
