package agent

import (
	"sync"

	"reminder-notifier/pkg/notifier"
)

// Subscription is a registered foreground push listener.
type Subscription struct {
	agent *Agent
	once  sync.Once
	id    uint64
}

// OnPush registers fn to be called after each displayed push. Close the
// returned subscription to stop receiving calls.
func (a *Agent) OnPush(fn func(notifier.Notification)) *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.listeners[a.nextID] = fn
	return &Subscription{agent: a, id: a.nextID}
}

// Close unregisters the listener. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.agent.mu.Lock()
		delete(s.agent.listeners, s.id)
		s.agent.mu.Unlock()
	})
}

// Close releases every remaining listener.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.listeners)
}

func (a *Agent) notify(n notifier.Notification) {
	a.mu.Lock()
	fns := make([]func(notifier.Notification), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
