package broker

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-broker/pkg/consensus"
	"github.com/amirimatin/go-broker/pkg/election"
)

type EventType string

const (
	EventLeaderChanged     EventType = "leader_changed"
	EventControllerChanged EventType = "controller_changed"
)

// Event is an application-facing notification. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType
	At         time.Time
	Change     *election.Event
	Controller *consensus.ControllerInfo
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Slow consumers lose events; use Options.OnLeaderChange for lossless
// delivery.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	b.eb.add(ch)
	go func() {
		<-ctx.Done()
		b.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, ch)
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// receiver is slow
		}
	}
}
