// Package bus carries daemon-internal notifications between the core
// collections and the hosting glue. Core components report through typed
// callbacks; the daemon republishes those here under dotted namespaces
// ("conv.", "index.", "session.", "log.") for anything that wants a feed.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to subscribers by namespace prefix. Delivery is
// best-effort: a subscriber that cannot keep up loses events rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	feeds  map[int]*feed
	nextID int
}

// feed is one subscriber's filter and delivery channel.
type feed struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{feeds: make(map[int]*feed)}
}

// Publish delivers evt to every feed whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, f := range b.feeds {
		if !strings.HasPrefix(evt.Kind, f.prefix) {
			continue
		}
		select {
		case f.ch <- evt:
		default:
			// Subscriber buffer full; the event is lost for this feed.
		}
	}
}

// Subscribe registers a feed for every event kind starting with prefix
// ("conv." matches conv.inserted, conv.removed, and so on; "" matches
// everything). The returned function cancels the subscription; the channel
// is never closed.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.feeds[id] = &feed{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.feeds, id)
		b.mu.Unlock()
	}
}
