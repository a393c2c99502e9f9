// Package notify delivers "work available" wake-ups from producers to idle
// worker slots so they do not have to wait for their next poll.
//
// Notifications are hints only: a lost wake-up costs at most one poll
// interval, never correctness.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes and receives per-queue wake-ups.
type Notifier interface {
	// Notify signals that queue may have an eligible job.
	Notify(ctx context.Context, queue string) error
	// Subscribe returns a channel that receives a value after Notify(queue).
	// Bursts coalesce into one pending signal. The returned func unsubscribes.
	Subscribe(queue string) (<-chan struct{}, func())
	Close() error
}

// Local fans wake-ups out to subscribers within one process.
type Local struct {
	mu     sync.Mutex
	subs   map[string]map[chan struct{}]struct{}
	closed bool
}

var _ Notifier = (*Local)(nil)

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan struct{}]struct{})}
}

func (l *Local) Notify(_ context.Context, queue string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(queue string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ch, func() {}
	}
	if l.subs[queue] == nil {
		l.subs[queue] = make(map[chan struct{}]struct{})
	}
	l.subs[queue][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[queue], ch)
			if len(l.subs[queue]) == 0 {
				delete(l.subs, queue)
			}
		})
	}
}

// Subscribers reports the number of live subscriptions for queue.
func (l *Local) Subscribers(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[queue])
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[string]map[chan struct{}]struct{})
	return nil
}

// Nop never delivers anything; workers fall back to polling.
type Nop struct{}

var _ Notifier = Nop{}

func (Nop) Notify(context.Context, string) error { return nil }

func (Nop) Subscribe(string) (<-chan struct{}, func()) { return nil, func() {} }

func (Nop) Close() error { return nil }
