// Package memory provides in-process stand-ins for the Redis bus and
// snapshot cache, used when a single replica runs without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

const subscriberBuffer = 64

// Bus is an in-process domain.SignalBus. Slow subscribers drop payloads
// rather than block publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish delivers payload to every current subscriber of channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns payloads published to channel until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Snapshots is an in-process domain.SnapshotCache.
type Snapshots struct {
	mu    sync.RWMutex
	items map[string]snapshot
}

type snapshot struct {
	payload []byte
	at      time.Time
}

// NewSnapshots creates an empty cache.
func NewSnapshots() *Snapshots {
	return &Snapshots{items: make(map[string]snapshot)}
}

// SetSnapshot stores payload under key.
func (s *Snapshots) SetSnapshot(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = snapshot{payload: payload, at: time.Now()}
	return nil
}

// GetSnapshot returns the payload under key or domain.ErrNotFound.
func (s *Snapshots) GetSnapshot(_ context.Context, key string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return it.payload, it.at, nil
}

var (
	_ domain.SignalBus     = (*Bus)(nil)
	_ domain.SnapshotCache = (*Snapshots)(nil)
)
