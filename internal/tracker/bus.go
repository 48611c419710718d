package tracker

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberBufferSize = 16

// ProgramStatus is one program's running state as observed by a tick.
type ProgramStatus struct {
	ProgramID string `json:"program_id"`
	Name      string `json:"name"`
	IsRunning bool   `json:"is_running"`
}

// Bus fans the full per-tick status set out to subscribers. Sends never
// block: a subscriber whose buffer is full misses that tick's publication.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan []ProgramStatus
	nextID int
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{
		logger: logger,
		subs:   make(map[int]chan []ProgramStatus),
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan []ProgramStatus, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan []ProgramStatus, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers one tick's statuses to every subscriber.
func (b *Bus) Publish(statuses []ProgramStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub <- statuses:
		default:
			b.logger.Warn("status subscriber buffer full; dropping publication", zap.Int("subscriber_id", id))
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
