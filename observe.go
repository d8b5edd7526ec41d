package marketchat

import (
	"log/slog"
	"sync"
)

// observers is a subscribe/notify list shared by the stores. Subscribers are
// called outside the owning store's lock, in subscription order.
type observers[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
	order  []int
	log    *slog.Logger
}

func newObservers[T any](log *slog.Logger) *observers[T] {
	return &observers[T]{subs: make(map[int]func(T)), log: log}
}

// subscribe registers fn and returns a function that removes it.
func (o *observers[T]) subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.order = append(o.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
			for i, v := range o.order {
				if v == id {
					o.order = append(o.order[:i], o.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.order))
	for _, id := range o.order {
		fns = append(fns, o.subs[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && o.log != nil {
					o.log.Error("subscriber panicked", "panic", r)
				}
			}()
			fn(v)
		}()
	}
}
