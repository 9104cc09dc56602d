package service

import "sync"

const subscriberBuffer = 64

// Broker fans execution events out to streaming subscribers, so an SSE
// client can attach to an execution after it started. Closing an
// execution closes every subscriber channel, which the HTTP layer turns
// into the terminating [DONE] frame.
type Broker struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel of events for the execution and a cancel
// function. The channel is closed when the execution's run finishes or
// the subscription is cancelled.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[executionID]
			for i, c := range chans {
				if c == ch {
					b.subs[executionID] = append(chans[:i], chans[i+1:]...)
					close(c)
					return
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the execution. A
// subscriber that cannot keep up loses frames rather than blocking the
// step loop.
func (b *Broker) Publish(executionID string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[executionID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Finish closes every subscriber channel for the execution.
func (b *Broker) Finish(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[executionID] {
		close(ch)
	}
	delete(b.subs, executionID)
}
