package bridge

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node runs.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan delivery
}

type delivery struct {
	channel string
	ev      Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan delivery)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, ev Event) error {
	b.mu.Lock()
	targets := append([]chan delivery(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, ch := range targets {
		ch <- delivery{channel: channel, ev: ev}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	ch := make(chan delivery, 64)
	b.mu.Lock()
	for _, name := range channels {
		b.subs[name] = append(b.subs[name], ch)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for _, name := range channels {
			list := b.subs[name]
			for i, c := range list {
				if c == ch {
					b.subs[name] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-ch:
			handler(ctx, d.channel, d.ev)
		}
	}
}
