// Package eventbus dispatches typed in-process events. Observability
// subscribers (tracing, metrics) hang off the global bus so that the
// executor and transports only publish.
package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

type entry struct {
	id uint64
	fn func(context.Context, any)
}

// Bus is an in-process dispatcher keyed by the event's dynamic type.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[reflect.Type][]entry
}

func New() *Bus { return &Bus{handlers: make(map[reflect.Type][]entry)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			hs := b.handlers[t]
			for i, e := range hs {
				if e.id == id {
					hs = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(hs) == 0 {
				delete(b.handlers, t)
			} else {
				b.handlers[t] = hs
			}
		})
	}
}

func (b *Bus) emit(ctx context.Context, e any) {
	t := reflect.TypeOf(e)
	b.mu.RLock()
	hs := b.handlers[t]
	b.mu.RUnlock()
	// hs is never mutated in place, so it is safe to range without the lock.
	for _, h := range hs {
		h.fn(ctx, e)
	}
}

// Len returns the number of handlers subscribed for events of type T.
func Len[T any](b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[reflect.TypeFor[T]()])
}

var global atomic.Pointer[Bus]

// Use sets the global bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Current returns the global bus or nil.
func Current() *Bus { return global.Load() }

// On registers h with b.
func On[T any](b *Bus, h Handler[T]) (unsubscribe func()) {
	return b.subscribe(reflect.TypeFor[T](), func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Subscribe registers h with the global bus. Without a global bus it is a
// no-op.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	if b := global.Load(); b != nil {
		return On(b, h)
	}
	return func() {}
}

// Publish sends e through the global bus.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.emit(ctx, e)
	}
}
