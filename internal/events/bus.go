package events

import (
	"sync"
	"time"

	"github.com/akagifreeez/aiverse/internal/models"
)

type Type string

const (
	KeyImported      Type = "key.imported"
	KeyStatusChanged Type = "key.status_changed"
	KeyDeleted       Type = "key.deleted"
	KeyTested        Type = "key.tested"
)

// TestOutcome is the probe part of a key.tested event
type TestOutcome struct {
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

// Event describes a change to the key pool. It only ever carries the
// masked view of a key.
type Event struct {
	Type   Type           `json:"type"`
	Key    models.KeyView `json:"key"`
	Test   *TestOutcome   `json:"test,omitempty"`
	At     time.Time      `json:"at"`
	Origin string         `json:"origin,omitempty"`
}

type Publisher interface {
	Publish(e Event)
}

const subscriberBuffer = 64

// Bus fans events out to in-process subscribers. A subscriber that falls
// behind loses events instead of stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
