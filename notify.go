package redundancy

import (
	"sync"
	"time"
)

// StateChange is an immutable notification that an instance changed state.
type StateChange struct {
	ServerID     string
	State        ServerState
	ServiceLevel uint8
	Cycle        string
	At           time.Time
}

// Subscription receives state-change deliveries from one instance. Each
// delivery is normally a single change.
type Subscription struct {
	ch     chan []StateChange
	missed chan struct{}
	b      *broadcaster
	once   sync.Once
	closed bool
}

// C returns the channel of deliveries. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan []StateChange {
	return s.ch
}

// Missed returns a channel that receives a value after at least one delivery
// was dropped because C was full. The directory record is then the only
// reliable source of the instance's latest state.
func (s *Subscription) Missed() <-chan struct{} {
	return s.missed
}

// Unsubscribe stops the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}

// broadcaster fans state changes out to subscribers without blocking.
type broadcaster struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (b *broadcaster) subscribe() *Subscription {
	sub := &Subscription{
		ch:     make(chan []StateChange, 16),
		missed: make(chan struct{}, 1),
		b:      b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

func (b *broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// publish delivers batch to every subscriber. A full subscriber drops the
// delivery and is flagged on its Missed channel; it returns the number of
// drops.
func (b *broadcaster) publish(batch ...StateChange) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, sub := range b.subs {
		delivery := make([]StateChange, len(batch))
		copy(delivery, batch)
		select {
		case sub.ch <- delivery:
		default:
			dropped++
			select {
			case sub.missed <- struct{}{}:
			default:
			}
		}
	}
	return dropped
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = nil
}
