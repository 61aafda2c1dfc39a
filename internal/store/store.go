package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/datasource/internal/future"
	"github.com/Amund211/datasource/internal/logging"
	"github.com/Amund211/datasource/internal/request"
)

const (
	defaultTTL           = 30 * time.Second
	defaultEvictionDelay = 50 * time.Millisecond
)

// LoadFunc fetches the value for a request. It must not call back into the store.
type LoadFunc func(ctx context.Context, d request.Descriptor) *future.Future[any]

// Store is a keyed cache of futures with freshness tracking, subscriptions and
// serialized, optimistically projected mutations.
//
// Every piece of shared state lives on the Store, so independent stores can
// coexist in one process.
type Store struct {
	load          LoadFunc
	ttl           time.Duration
	evictionDelay time.Duration
	nowFunc       func() time.Time
	logger        *slog.Logger

	mu   sync.Mutex
	data map[string]*entry

	// lastWrite is bumped by every mutation; entries loaded before it are stale
	lastWrite time.Time
	// epoch is bumped every time the optimistic projections are (re)applied
	epoch       uint64
	projections []*projection

	mutating      bool
	mutationQueue []chan struct{}
	// readQueue holds loads parked while a mutation holds the turn
	readQueue []chan struct{}
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

func WithEvictionDelay(delay time.Duration) Option {
	return func(s *Store) {
		s.evictionDelay = delay
	}
}

func WithNowFunc(nowFunc func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = nowFunc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(load LoadFunc, opts ...Option) *Store {
	s := &Store{
		load:          load,
		ttl:           defaultTTL,
		evictionDelay: defaultEvictionDelay,
		nowFunc:       time.Now,
		data:          make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.FromContext(context.Background())
	}
	return s
}

// loadValue wraps the loader so that reads issued while a mutation holds the
// turn only start, and only resolve, once the turn is released.
//
// Must be called with s.mu held.
func (s *Store) loadValue(ctx context.Context, d request.Descriptor) *future.Future[any] {
	var parked chan struct{}
	if s.mutating {
		parked = s.parkRead()
	}

	return future.New(func() (any, error) {
		if parked != nil {
			<-parked
		}
		value, err := s.load(ctx, d).Await(ctx)
		s.waitForMutations()
		return value, err
	})
}

// Must be called with s.mu held
func (s *Store) parkRead() chan struct{} {
	parked := make(chan struct{})
	s.readQueue = append(s.readQueue, parked)
	return parked
}

func (s *Store) waitForMutations() {
	s.mu.Lock()
	if !s.mutating {
		s.mu.Unlock()
		return
	}
	parked := s.parkRead()
	s.mu.Unlock()
	<-parked
}

// getEntry returns the entry for d, creating it if necessary. If refresh is
// set and the entry is not live, a new load is attached to it.
//
// Must be called with s.mu held.
func (s *Store) getEntry(ctx context.Context, d request.Descriptor, refresh bool, n *notifications) *entry {
	e, ok := s.data[d.Key]
	if !ok {
		// A freshly created entry is already backed by a new load
		e = s.newEntry(d, s.loadValue(ctx, d), false)
		s.data[d.Key] = e
		return e
	}
	if refresh && !e.isLive(s.nowFunc()) {
		e.update(s.loadValue(ctx, d), n)
	}
	return e
}

// Get returns the externally visible value for d.
//
// A mutation descriptor marks every previously loaded entry as stale. If
// forceFresh is set (or d is a mutation) and the entry is not live, a new load
// is started and its pending value is returned.
func (s *Store) Get(ctx context.Context, d request.Descriptor, forceFresh bool) *future.Future[any] {
	ctx = context.WithoutCancel(ctx)
	wantLatest := forceFresh || d.Mutation

	var n notifications
	s.mu.Lock()
	if d.Mutation {
		s.lastWrite = s.nowFunc()
	}
	value := s.getEntry(ctx, d, wantLatest, &n).value(wantLatest, true)
	s.mu.Unlock()
	n.run()

	return value
}

// OnChange subscribes to changes of the entry for d without forcing a refresh
func (s *Store) OnChange(ctx context.Context, d request.Descriptor, listener Listener) func() {
	ctx = context.WithoutCancel(ctx)

	var n notifications
	s.mu.Lock()
	e := s.getEntry(ctx, d, false, &n)
	unsubscribe := e.subscribe(listener)
	s.mu.Unlock()
	n.run()

	return unsubscribe
}

// Clear drops every entry
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.data {
		if e.evictTimer != nil {
			e.evictTimer.Stop()
			e.evictTimer = nil
		}
	}
	s.data = make(map[string]*entry)
}

// Len returns the number of entries currently held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Status returns the externally visible value of the entry for d without
// forcing a refresh, together with whether an optimistic delete is pending
func (s *Store) Status(ctx context.Context, d request.Descriptor) (*future.Future[any], bool) {
	ctx = context.WithoutCancel(ctx)

	var n notifications
	s.mu.Lock()
	e := s.getEntry(ctx, d, false, &n)
	value := e.value(false, true)
	deleted := e.optimisticallyDeleted()
	s.mu.Unlock()
	n.run()

	return value, deleted
}
