package session

import (
	"sync"
	"time"
)

// Kind is the type of a cross-session event.
type Kind string

const (
	KindLock   Kind = "lock"
	KindPanic  Kind = "panic"
	KindLogout Kind = "logout"
)

// Message is broadcast to every other live session of the same user.
type Message struct {
	Kind   Kind
	Origin string
	Reason string
	At     time.Time
}

// subscriberBuffer bounds undelivered messages per subscriber. Every kind
// leads to the same forced lock, so once a subscriber has this many
// pending a newer one adds nothing and is dropped.
const subscriberBuffer = 8

// Bus is a process-local publish/subscribe channel between sessions.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan Message]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Message]struct{})}
}

// Subscribe registers a session. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(id string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan Message]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber except those registered under
// msg.Origin. It never blocks.
func (b *Bus) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, chans := range b.subs {
		if id == msg.Origin {
			continue
		}
		for ch := range chans {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, chans := range b.subs {
		n += len(chans)
	}
	return n
}
