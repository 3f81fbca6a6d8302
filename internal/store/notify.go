package store

import "sync"

// Change describes a committed mutation to a projected entity. The UI layer
// subscribes to re-render order screens; the core never depends on it.
type Change struct {
	Entity string
	ID     string
}

// Notifier fans committed changes out to subscribers.
//
// Callbacks run synchronously after the owning transaction commits, on the
// goroutine that performed the write. Subscribers that need to do real work
// should hand the change off to their own goroutine.
type Notifier struct {
	mu   sync.Mutex
	subs []func(Change)
}

func newNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a listener. There is no unsubscribe: subscriptions
// live as long as the store, matching the process-lifetime UI surfaces
// that consume them.
func (n *Notifier) Subscribe(fn func(Change)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *Notifier) publish(c Change) {
	n.mu.Lock()
	subs := make([]func(Change), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
