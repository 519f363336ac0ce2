package store

import "sync"

// subscriptionBuffer bounds how far a consumer may fall behind. A consumer
// that overflows the buffer is dropped (its channel closed) and must
// re-open its view; blocking the store's write path on a stuck reader is
// not an option.
const subscriptionBuffer = 256

// Subscription is a cancellable handle on the change feed. C is closed when
// the subscription is cancelled or dropped for falling behind.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	table  Table
	chatID string
	bus    *feedBus
	once   sync.Once
}

func (s *Subscription) matches(ev Event) bool {
	if s.table != "" && s.table != ev.Table {
		return false
	}
	if s.chatID != "" && s.chatID != ev.ChatID {
		return false
	}
	return true
}

func (s *Subscription) Cancel() {
	s.bus.remove(s)
}

type feedBus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newFeedBus() *feedBus {
	return &feedBus{subs: make(map[*Subscription]struct{})}
}

// subscribe registers a filter. Empty table matches every table; empty
// chatID matches every chat.
func (b *feedBus) subscribe(table Table, chatID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, table: table, chatID: chatID, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *feedBus) remove(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()
}

// publish delivers committed events to every matching subscriber. Slow
// subscribers are dropped rather than blocking the caller.
func (b *feedBus) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	var dropped []*Subscription
	for sub := range b.subs {
		for _, ev := range events {
			if !sub.matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
				continue
			default:
			}
			dropped = append(dropped, sub)
			break
		}
	}
	for _, sub := range dropped {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()
}

func (b *feedBus) closeAll() {
	b.mu.Lock()
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()
}
