package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/Amund211/datasource/internal/future"
	"github.com/Amund211/datasource/internal/reporting"
	"github.com/Amund211/datasource/internal/request"
)

// View is the transient cache view handed to a projection. It is only valid
// for the duration of a single application.
type View interface {
	// Get returns the visible value of the entry, including writes of earlier
	// projections, or false if it has not resolved successfully
	Get(d request.Descriptor) (any, bool)
	Set(d request.Descriptor, value any)
	// Create writes value to the entry for real if given, and otherwise
	// synthesizes an entry for fake that is not backed by any load
	Create(fake request.Descriptor, value any, real *request.Descriptor)
	Delete(d request.Descriptor)
	// Response returns the mutation response once it has resolved successfully
	Response() (any, bool)
}

// Projection computes the speculative cache writes of an in-flight mutation.
// It is replayed against the current cache state every time the optimistic
// epoch is bumped, so it must be deterministic in its inputs and must not call
// back into the store.
type Projection func(view View)

type projection struct {
	ctx      context.Context
	fn       Projection
	mutation request.Descriptor
	at       time.Time

	result *future.Future[any]
	// fetched holds the value of every entry written by the projection, as it
	// was when first written
	fetched map[string]*future.Future[any]
}

type view struct {
	store   *Store
	p       *projection
	touched *[]*entry
	n       *notifications
}

func (v *view) touch(e *entry) {
	if !slices.Contains(*v.touched, e) {
		*v.touched = append(*v.touched, e)
	}
}

func (v *view) Get(d request.Descriptor) (any, bool) {
	e, ok := v.store.data[d.Key]
	if !ok {
		return nil, false
	}
	value := e.value(false, true)
	if !value.OK() {
		return nil, false
	}
	return value.Value(), true
}

func (v *view) Set(d request.Descriptor, value any) {
	e := v.store.getEntry(v.p.ctx, d, true, v.n)
	v.touch(e)
	e.addOptimistic(v.p.at, value)
	if _, ok := v.p.fetched[d.Key]; !ok {
		v.p.fetched[d.Key] = e.value(true, false)
	}
}

func (v *view) Create(fake request.Descriptor, value any, real *request.Descriptor) {
	if real != nil {
		v.Set(*real, value)
		return
	}

	// Replays reset the existing entry so subscriptions stay attached to it
	if e, ok := v.store.data[fake.Key]; ok {
		e.reset(future.Now(value))
		v.touch(e)
		return
	}

	e := v.store.newEntry(fake, future.Now(value), true)
	v.store.data[fake.Key] = e
	v.touch(e)
}

func (v *view) Delete(d request.Descriptor) {
	e := v.store.getEntry(v.p.ctx, d, false, v.n)
	v.touch(e)
	e.markOptimisticallyDeleted()
}

func (v *view) Response() (any, bool) {
	if v.p.result == nil || !v.p.result.OK() {
		return nil, false
	}
	return v.p.result.Value(), true
}

// apply runs the projection once against the current state and returns the
// entries it touched, including those touched before a panic.
//
// Must be called with s.mu held.
func (s *Store) apply(p *projection, n *notifications) (touched []*entry) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: optimistic projection for %s: %v", domain.ErrPanicked, p.mutation.Key, r)
			s.logger.ErrorContext(p.ctx, "Optimistic projection failed", "key", p.mutation.Key, "error", err.Error())
			reporting.Report(p.ctx, err, map[string]string{
				"endpoint": p.mutation.Endpoint,
				"name":     p.mutation.Name,
			})
		}
	}()

	p.fn(&view{store: s, p: p, touched: &touched, n: n})

	return touched
}

// reapply bumps the epoch, replays every registered projection in
// registration order and notifies every touched entry.
//
// Must be called with s.mu held.
func (s *Store) reapply(n *notifications) {
	s.epoch++

	var touched []*entry
	for _, p := range s.projections {
		for _, e := range s.apply(p, n) {
			if !slices.Contains(touched, e) {
				touched = append(touched, e)
			}
		}
	}

	for _, e := range touched {
		e.notify(n)
	}
}

type inflightMutation struct {
	value      *future.Future[any]
	projection *projection
}

// Mutate sends a mutation. Mutations are serialized store-wide in call order.
//
// If projection is given it is applied before the network call resolves, and
// replayed together with every other active projection once it has.
// The returned future resolves once the mutation has resolved and every
// value the projection wrote has settled.
func (s *Store) Mutate(ctx context.Context, d request.Descriptor, fn Projection) *future.Future[any] {
	ctx = context.WithoutCancel(ctx)
	result, resolver := future.Pending[any]()

	s.mu.Lock()
	if s.mutating {
		turn := make(chan struct{})
		s.mutationQueue = append(s.mutationQueue, turn)
		s.mu.Unlock()

		go func() {
			<-turn
			m := s.beginMutation(ctx, d, fn)
			s.finishMutation(m, resolver)
		}()
		return result
	}
	s.mutating = true
	s.mu.Unlock()

	// We hold the turn, so the projection is visible before Mutate returns
	m := s.beginMutation(ctx, d, fn)
	go s.finishMutation(m, resolver)

	return result
}

func (s *Store) beginMutation(ctx context.Context, d request.Descriptor, fn Projection) inflightMutation {
	var n notifications
	s.mu.Lock()

	s.lastWrite = s.nowFunc()

	var p *projection
	if fn != nil {
		p = &projection{
			ctx:      ctx,
			fn:       fn,
			mutation: d,
			at:       s.nowFunc(),
			fetched:  make(map[string]*future.Future[any]),
		}
		s.projections = append(s.projections, p)
		s.reapply(&n)
	}

	value := s.load(ctx, d)

	s.mu.Unlock()
	n.run()

	return inflightMutation{value: value, projection: p}
}

func (s *Store) finishMutation(m inflightMutation, resolver future.Resolver[any]) {
	<-m.value.Ready()

	var n notifications
	s.mu.Lock()
	if m.projection != nil {
		m.projection.result = m.value
		s.reapply(&n)
	}
	s.releaseTurn()
	s.mu.Unlock()
	n.run()

	if m.projection != nil {
		s.mu.Lock()
		fetched := make([]*future.Future[any], 0, len(m.projection.fetched))
		for _, f := range m.projection.fetched {
			fetched = append(fetched, f)
		}
		s.mu.Unlock()

		for _, f := range fetched {
			<-f.Ready()
		}

		s.mu.Lock()
		s.projections = slices.DeleteFunc(s.projections, func(p *projection) bool {
			return p == m.projection
		})
		s.mu.Unlock()
	}

	resolver.Settle(m.value.Read())
}

// releaseTurn hands the turn to the next queued mutation, or releases every
// parked read if there is none.
//
// Must be called with s.mu held.
func (s *Store) releaseTurn() {
	if len(s.mutationQueue) > 0 {
		next := s.mutationQueue[0]
		s.mutationQueue = s.mutationQueue[1:]
		close(next)
		return
	}

	s.mutating = false
	for _, parked := range s.readQueue {
		close(parked)
	}
	s.readQueue = nil
}
