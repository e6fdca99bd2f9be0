// Package health aggregates per-transport connectivity into one
// observable signal. It holds no retry logic of its own.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/status"
)

// Snapshot is a structured view of both transports.
type Snapshot struct {
	Broker bool
	Direct bool
}

// Any reports whether at least one transport is connected.
func (s Snapshot) Any() bool {
	return s.Broker || s.Direct
}

// Tracker derives connectivity from transport status events on the bus.
type Tracker struct {
	bus    *bus.Bus
	cancel context.CancelFunc

	mu      sync.RWMutex
	current Snapshot
}

// NewTracker creates a tracker; both transports start disconnected.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{bus: b}
}

// Start subscribes to transport status events.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe(bus.KindTransportStatus, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.Change)
				if !ok {
					continue
				}
				t.apply(change)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Snapshot returns the current per-transport view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// AnyConnected reports whether either transport is connected.
func (t *Tracker) AnyConnected() bool {
	return t.Snapshot().Any()
}

func (t *Tracker) apply(change status.Change) {
	connected := change.To == status.Connected

	t.mu.Lock()
	before := t.current
	switch change.Transport {
	case "broker":
		t.current.Broker = connected
	case "direct":
		t.current.Direct = connected
	}
	after := t.current
	t.mu.Unlock()

	if after != before {
		t.bus.Publish(bus.Event{Kind: bus.KindHealthChanged, Timestamp: time.Now(), Payload: after})
	}
}
