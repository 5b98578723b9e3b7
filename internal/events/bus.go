// Package events provides typed publish/subscribe hooks for collaborator
// callbacks (device lifecycle, transfer progress).
//
// Each event kind gets its own Bus; Subscribe returns a Subscription handle
// used to deregister.
package events

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus fans one event type out to registered handlers. The zero value is ready
// to use.
type Bus[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

// Subscription is the deregistration handle returned by Subscribe.
type Subscription struct {
	once   *sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.once == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn and returns its handle. A nil fn is ignored.
func (b *Bus[T]) Subscribe(fn func(T)) Subscription {
	if fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[uint64]func(T))
	}
	b.next++
	id := b.next
	b.subs[id] = fn
	return Subscription{
		once: &sync.Once{},
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		},
	}
}

// Publish delivers v to every handler in registration order. Handlers run on
// the caller's goroutine, outside the bus lock; a panicking handler is logged
// and does not stop delivery to the rest.
func (b *Bus[T]) Publish(v T) {
	for _, fn := range b.snapshot() {
		deliver(fn, v)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[T]) snapshot() []func(T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.subs[id])
	}
	return out
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("events: subscriber panicked")
		}
	}()
	fn(v)
}
