package workflow

import "sync"

// eventBus wakes in-process waiters when an event lands for their
// instance. It carries no payload: the persisted event row is the
// authority, the bus is only the wakeup. Waits are suspension points,
// not polls.
type eventBus struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newEventBus() *eventBus {
	return &eventBus{
		waiters: make(map[string]chan struct{}),
	}
}

// subscribe registers a waiter for (instanceID, name). The returned
// cancel func must be called when the wait resolves.
func (b *eventBus) subscribe(instanceID, name string) (<-chan struct{}, func()) {
	key := instanceID + "\x00" + name
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.waiters[key] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.waiters[key] == ch {
			delete(b.waiters, key)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// notify wakes the waiter for (instanceID, name), if any.
func (b *eventBus) notify(instanceID, name string) {
	key := instanceID + "\x00" + name

	b.mu.Lock()
	ch, ok := b.waiters[key]
	b.mu.Unlock()

	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
