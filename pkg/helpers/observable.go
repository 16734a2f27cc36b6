package helpers

import (
	"sort"
	"sync"
)

// Observable holds a value of type S and notifies subscribers whenever it is
// replaced. Values are treated as immutable snapshots: Update builds a new
// value from the old one instead of changing it in place.
//
// Listeners run on the goroutine that changed the state, after the lock is
// released, so a listener may read the state or even change it again.
type Observable[S any] struct {
	mu        sync.Mutex
	state     S
	nextID    int
	listeners map[int]func(S)
}

func NewObservable[S any](initial S) *Observable[S] {
	return &Observable[S]{
		state:     initial,
		listeners: map[int]func(S){},
	}
}

func (o *Observable[S]) Get() S {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Set replaces the state and notifies subscribers.
func (o *Observable[S]) Set(s S) {
	o.mu.Lock()
	o.state = s
	listeners := o.snapshotListeners()
	o.mu.Unlock()

	notify(listeners, s)
}

// Update computes the next state from the current one under the lock. When fn
// returns an error the state is left unchanged and nobody is notified.
func (o *Observable[S]) Update(fn func(S) (S, error)) (S, error) {
	o.mu.Lock()
	next, err := fn(o.state)
	if err != nil {
		cur := o.state
		o.mu.Unlock()
		return cur, err
	}
	o.state = next
	listeners := o.snapshotListeners()
	o.mu.Unlock()

	notify(listeners, next)
	return next, nil
}

// Subscribe registers fn and returns a function that removes it again.
func (o *Observable[S]) Subscribe(fn func(S)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.listeners, id)
		})
	}
}

func (o *Observable[S]) snapshotListeners() []func(S) {
	ids := make([]int, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	// deliver in subscription order
	sort.Ints(ids)
	out := make([]func(S), 0, len(ids))
	for _, id := range ids {
		out = append(out, o.listeners[id])
	}
	return out
}

func notify[S any](listeners []func(S), s S) {
	for _, l := range listeners {
		l(s)
	}
}
