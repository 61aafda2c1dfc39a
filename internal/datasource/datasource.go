package datasource

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/Amund211/datasource/internal/future"
	"github.com/Amund211/datasource/internal/logging"
	"github.com/Amund211/datasource/internal/reporting"
	"github.com/Amund211/datasource/internal/request"
	"github.com/Amund211/datasource/internal/store"
)

// sessionEntryName marks the hydration entry that carries the session
const sessionEntryName = "__"

// Connection loads requests over the network and can be primed with responses
// that are already known
type Connection interface {
	Load(ctx context.Context, d request.Descriptor) *future.Future[any]
	AddCached(d request.Descriptor, raw []byte, ttl time.Duration)
}

// HydrationEntry is a response rendered ahead of time, e.g. by the server
// that produced the page
type HydrationEntry struct {
	Endpoint string          `json:"endpoint"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Data     json.RawMessage `json:"data"`
}

// UpdateFunc computes the optimistic cache writes of a mutation
type UpdateFunc = store.Projection

type DataSource struct {
	conn       Connection
	store      *store.Store
	logger     *slog.Logger
	registries map[string]*request.Registry

	mu              sync.Mutex
	session         domain.Session
	sessionHandlers map[uint64]func(domain.Session)
	nextHandlerID   uint64
}

type config struct {
	hydration    []HydrationEntry
	registries   []*request.Registry
	session      domain.Session
	storeOptions []store.Option
	logger       *slog.Logger
}

type Option func(*config)

func WithHydration(entries []HydrationEntry) Option {
	return func(c *config) {
		c.hydration = append(c.hydration, entries...)
	}
}

// WithRegistry makes the requests of an endpoint known, which is required to
// hydrate responses for it
func WithRegistry(registries ...*request.Registry) Option {
	return func(c *config) {
		c.registries = append(c.registries, registries...)
	}
}

func WithSession(session domain.Session) Option {
	return func(c *config) {
		c.session = session
	}
}

func WithStoreOptions(opts ...store.Option) Option {
	return func(c *config) {
		c.storeOptions = append(c.storeOptions, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func New(conn Connection, opts ...Option) *DataSource {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.FromContext(context.Background())
	}

	ds := &DataSource{
		conn:            conn,
		logger:          cfg.logger,
		registries:      make(map[string]*request.Registry, len(cfg.registries)),
		session:         cfg.session,
		sessionHandlers: make(map[uint64]func(domain.Session)),
	}
	for _, registry := range cfg.registries {
		ds.registries[registry.Endpoint()] = registry
	}

	ds.hydrate(cfg.hydration)

	storeOptions := append([]store.Option{store.WithLogger(cfg.logger)}, cfg.storeOptions...)
	ds.store = store.New(conn.Load, storeOptions...)

	return ds
}

func (ds *DataSource) hydrate(entries []HydrationEntry) {
	for _, entry := range entries {
		logger := ds.logger.With(
			slog.String("endpoint", entry.Endpoint),
			slog.String("name", entry.Name),
		)

		if entry.Name == sessionEntryName {
			session, err := domain.SessionFromJSON(entry.Data)
			if err != nil {
				logger.Warn("Skipping invalid hydrated session", slog.String("error", err.Error()))
				continue
			}
			ds.session = session
			continue
		}

		registry, ok := ds.registries[entry.Endpoint]
		if !ok || !registry.Has(entry.Name) {
			logger.Warn("Skipping hydration entry for unknown request")
			continue
		}

		d, err := registry.Descriptor(entry.Name, entry.Args)
		if err != nil {
			logger.Warn("Skipping invalid hydration entry", slog.String("error", err.Error()))
			continue
		}

		ds.conn.AddCached(d, entry.Data, 0)
	}
}

// withMeta attaches the logger and the session to ctx
func (ds *DataSource) withMeta(ctx context.Context) context.Context {
	ctx = logging.AddToContext(ctx, ds.logger)
	if session := ds.Session(); session.ID != "" {
		ctx = reporting.SetUserIDInContext(ctx, session.ID)
	}
	return ctx
}

// Get returns the value of d, loading it unless the cached value is live
func (ds *DataSource) Get(ctx context.Context, d request.Descriptor) *future.Future[any] {
	return ds.store.Get(ds.withMeta(ctx), d, true)
}

// Peek returns the cached value of d, only loading it if nothing is cached
func (ds *DataSource) Peek(ctx context.Context, d request.Descriptor) *future.Future[any] {
	return ds.store.Get(ds.withMeta(ctx), d, false)
}

// Subscribe calls listener every time the visible value of d changes.
// The returned function unsubscribes.
func (ds *DataSource) Subscribe(ctx context.Context, d request.Descriptor, listener store.Listener) func() {
	return ds.store.OnChange(ds.withMeta(ctx), d, listener)
}

// Mutate sends the mutation d. If update is given its writes are visible to
// readers until the mutation and every value it touched have settled.
func (ds *DataSource) Mutate(ctx context.Context, d request.Descriptor, update UpdateFunc) *future.Future[any] {
	return ds.store.Mutate(ds.withMeta(ctx), d, update)
}

// ListItem is one visible element of a resource list
type ListItem struct {
	Request request.Descriptor
	Value   *future.Future[any]
}

// List returns the cached values of ids in order, leaving out those that have
// failed or are being deleted
func (ds *DataSource) List(ctx context.Context, ids []request.Descriptor) []ListItem {
	ctx = ds.withMeta(ctx)

	items := make([]ListItem, 0, len(ids))
	for _, d := range ids {
		value, deleted := ds.store.Status(ctx, d)
		if deleted || value.Failed() {
			continue
		}
		items = append(items, ListItem{Request: d, Value: value})
	}
	return items
}

func (ds *DataSource) ClearCache() {
	ds.store.Clear()
}

func (ds *DataSource) Session() domain.Session {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.session
}

// SetSession replaces the session and notifies every session handler
func (ds *DataSource) SetSession(session domain.Session) {
	ds.mu.Lock()
	ds.session = session
	handlers := make([]func(domain.Session), 0, len(ds.sessionHandlers))
	for _, handler := range ds.sessionHandlers {
		handlers = append(handlers, handler)
	}
	ds.mu.Unlock()

	for _, handler := range handlers {
		handler(session)
	}
}

// OnSessionChange calls fn with the new session on every SetSession.
// The returned function removes the handler.
func (ds *DataSource) OnSessionChange(fn func(domain.Session)) func() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	id := ds.nextHandlerID
	ds.nextHandlerID++
	ds.sessionHandlers[id] = fn

	return func() {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		delete(ds.sessionHandlers, id)
	}
}

// GetAs is Get with the value narrowed to T
func GetAs[T any](ctx context.Context, ds *DataSource, d request.Descriptor) *future.Future[T] {
	return future.From[T](ds.Get(ctx, d))
}

// MutateAs is Mutate with the response narrowed to T
func MutateAs[T any](ctx context.Context, ds *DataSource, d request.Descriptor, update UpdateFunc) *future.Future[T] {
	return future.From[T](ds.Mutate(ctx, d, update))
}
