package events

import "sync"

// Type identifies a lifecycle notification.
type Type string

const (
	ConnectionRestored Type = "connection_restored"
	ConnectionLost     Type = "connection_lost"
	ConnectionSlow     Type = "connection_slow"
	SyncStarted        Type = "sync_started"
	SyncCompleted      Type = "sync_completed"
	SyncConflict       Type = "sync_conflict"
	QueueOverflow      Type = "queue_overflow"
)

// Event carries a notification and an optional subject (queue item id,
// probe endpoint, etc.) plus free-form detail for display.
type Event struct {
	Type    Type
	Subject string
	Detail  string
}

// Bus is an in-process publish/subscribe fanout. Publish never blocks:
// a subscriber that is not draining its channel misses events rather
// than stalling the sync loop.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener and returns its channel together with a
// cancel function. The cancel function is idempotent.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close terminates all subscriptions. Publish and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
