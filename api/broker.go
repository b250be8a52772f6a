package api

import "sync"

// Broker fans encoded stream messages out to the subscribers of each
// project.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber for a project. The channel is
// buffered; a subscriber that cannot keep up loses messages rather
// than blocking the fan-out (its next reconnect resnapshots).
func (b *Broker) Subscribe(projectID string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[chan []byte]struct{})
		b.subs[projectID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Broker) Unsubscribe(projectID string, ch chan []byte) {
	b.mu.Lock()
	if set, ok := b.subs[projectID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, projectID)
		}
	}
	b.mu.Unlock()
}

// Broadcast delivers data to every subscriber of the project.
func (b *Broker) Broadcast(projectID string, data []byte) {
	b.mu.Lock()
	for ch := range b.subs[projectID] {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.Unlock()
}
