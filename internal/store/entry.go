package store

import (
	"time"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/Amund211/datasource/internal/future"
	"github.com/Amund211/datasource/internal/request"
)

// Listener is called with the externally visible value of an entry whenever
// it changes. deleted is true while an optimistic delete is pending.
type Listener func(value *future.Future[any], deleted bool)

type stamped struct {
	at    time.Time
	value *future.Future[any]
}

type subscription struct {
	listener Listener
}

// notifications are collected while the store lock is held and run after it is released
type notifications []func()

func (n *notifications) run() {
	for _, fn := range *n {
		fn()
	}
}

// entry is the cache record for one request key.
// All fields are guarded by store.mu.
type entry struct {
	store   *Store
	request request.Descriptor

	// current is the last value that finished loading (or the original pending value)
	current *stamped
	// latest is the most recently assigned value, possibly still pending
	latest     *stamped
	optimistic *stamped

	hasOptimistic   bool
	optimisticEpoch uint64

	// fake entries are created by optimistic creates and never loaded
	fake bool

	listeners  []*subscription
	evictTimer *time.Timer
}

func (s *Store) newEntry(d request.Descriptor, value *future.Future[any], fake bool) *entry {
	initial := &stamped{at: s.nowFunc(), value: value}
	e := &entry{
		store:      s,
		request:    d,
		current:    initial,
		latest:     initial,
		optimistic: initial,
		fake:       fake,
	}
	e.evictTimer = time.AfterFunc(s.ttl, e.checkEvict)
	return e
}

// reset turns e into a fake entry holding value, keeping its listeners and
// eviction timer
func (e *entry) reset(value *future.Future[any]) {
	stamp := &stamped{at: e.store.nowFunc(), value: value}
	e.current = stamp
	e.latest = stamp
	e.optimistic = stamp
	e.hasOptimistic = false
	e.fake = true
}

func (e *entry) optimisticActive() bool {
	return e.hasOptimistic && e.optimisticEpoch == e.store.epoch
}

func (e *entry) optimisticallyDeleted() bool {
	return e.optimisticActive() && e.optimistic.at.IsZero()
}

func (e *entry) isLive(now time.Time) bool {
	if e.fake || e.optimisticallyDeleted() {
		return true
	}
	return e.latest.at.After(e.store.lastWrite) && now.Sub(e.latest.at) < e.store.ttl
}

func (e *entry) value(wantLatest, allowOptimistic bool) *future.Future[any] {
	selected := e.current
	if wantLatest || !e.latest.value.Loading() {
		selected = e.latest
	}
	if allowOptimistic && e.optimisticActive() && e.optimistic.at.After(selected.at) {
		return e.optimistic.value
	}
	return selected.value
}

func (e *entry) update(value *future.Future[any], n *notifications) {
	latest := &stamped{at: e.store.nowFunc(), value: value}
	e.latest = latest

	if !value.Loading() {
		e.promote(latest, n)
		return
	}

	go func() {
		<-value.Ready()

		var n notifications
		e.store.mu.Lock()
		// A newer update has landed in the meantime
		if e.latest == latest {
			e.promote(latest, &n)
		}
		e.store.mu.Unlock()
		n.run()
	}()
}

func (e *entry) promote(latest *stamped, n *notifications) {
	e.current = latest
	e.hasOptimistic = false
	e.notify(n)
}

func (e *entry) addOptimistic(at time.Time, value any) {
	e.hasOptimistic = true
	e.optimisticEpoch = e.store.epoch
	e.optimistic = &stamped{at: at, value: future.Now(value)}
}

func (e *entry) markOptimisticallyDeleted() {
	e.hasOptimistic = true
	e.optimisticEpoch = e.store.epoch
	// The zero timestamp marks a delete
	e.optimistic = &stamped{value: future.Err[any](domain.ErrNotFound)}
}

func (e *entry) subscribe(listener Listener) func() {
	sub := &subscription{listener: listener}
	e.listeners = append(e.listeners, sub)
	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}

	unsubscribed := false
	return func() {
		e.store.mu.Lock()
		defer e.store.mu.Unlock()

		if unsubscribed {
			return
		}
		unsubscribed = true

		for i, candidate := range e.listeners {
			if candidate == sub {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				break
			}
		}
		if len(e.listeners) > 0 {
			return
		}
		if e.evictTimer != nil {
			e.evictTimer.Stop()
		}
		e.evictTimer = time.AfterFunc(e.store.evictionDelay, e.checkEvict)
	}
}

func (e *entry) checkEvict() {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	e.evictTimer = nil
	if len(e.listeners) > 0 {
		return
	}
	// Only remove ourselves, never an entry that has replaced us
	if e.store.data[e.request.Key] == e {
		delete(e.store.data, e.request.Key)
	}
}

func (e *entry) notify(n *notifications) {
	if len(e.listeners) == 0 {
		return
	}
	value := e.value(false, true)
	deleted := e.optimisticallyDeleted()
	listeners := make([]Listener, len(e.listeners))
	for i, sub := range e.listeners {
		listeners[i] = sub.listener
	}
	*n = append(*n, func() {
		for _, listener := range listeners {
			listener(value, deleted)
		}
	})
}
