package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/Amund211/datasource/internal/future"
	"github.com/Amund211/datasource/internal/logging"
	"github.com/Amund211/datasource/internal/ratelimiting"
	"github.com/Amund211/datasource/internal/reporting"
	"github.com/Amund211/datasource/internal/request"
	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxBatch     = 50
	defaultBatchTimeout = 10 * time.Millisecond
	defaultMaxRetries   = 4
	defaultCacheTTL     = 5 * time.Second
)

// NewDefaultBackOff waits 800ms before the first retry and doubles from there
func NewDefaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     800 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	return b
}

// Limiter paces outgoing network requests per endpoint
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Connection sends requests to the API. Reads to the same endpoint are
// grouped into batches, identical in-flight reads are coalesced and transient
// failures are retried with backoff.
type Connection struct {
	sender       Sender
	maxBatch     int
	batchTimeout time.Duration
	maxRetries   int
	newBackOff   func() backoff.BackOff
	afterFunc    func(time.Duration) <-chan time.Time
	limiter      Limiter

	meter   metric.Meter
	tracer  trace.Tracer
	metrics transportMetricsCollection

	cache     *ttlcache.Cache[string, []byte]
	inflight  singleflight.Group
	closeOnce sync.Once

	mu      sync.Mutex
	batches map[string]*pendingBatch
}

type Option func(*Connection)

func WithMaxBatch(maxBatch int) Option {
	return func(c *Connection) {
		c.maxBatch = maxBatch
	}
}

func WithBatchTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		c.batchTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of attempts made for a single request
func WithMaxRetries(maxRetries int) Option {
	return func(c *Connection) {
		c.maxRetries = maxRetries
	}
}

// WithBackOff sets the policy for the delays between attempts. newBackOff is
// called once per request.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Connection) {
		c.newBackOff = newBackOff
	}
}

func WithAfterFunc(afterFunc func(time.Duration) <-chan time.Time) Option {
	return func(c *Connection) {
		c.afterFunc = afterFunc
	}
}

func WithLimiter(limiter Limiter) Option {
	return func(c *Connection) {
		c.limiter = limiter
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(c *Connection) {
		c.meter = meter
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Connection) {
		c.tracer = tracer
	}
}

func NewConnection(sender Sender, opts ...Option) (*Connection, error) {
	const name = "datasource/transport"

	c := &Connection{
		sender:       sender,
		maxBatch:     defaultMaxBatch,
		batchTimeout: defaultBatchTimeout,
		maxRetries:   defaultMaxRetries,
		newBackOff:   NewDefaultBackOff,
		afterFunc:    time.After,
		limiter:      ratelimiting.Unlimited{},
		batches:      make(map[string]*pendingBatch),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", c.maxRetries)
	}
	if c.meter == nil {
		c.meter = otel.Meter(name)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(name)
	}

	metrics, err := setupTransportMetrics(c.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}
	c.metrics = metrics

	c.cache = ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](defaultCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.cache.Start()

	return c, nil
}

// AddCached makes the next batched read of d resolve with raw without a
// network call, provided it happens within ttl. A non-positive ttl uses the
// default of five seconds.
func (c *Connection) AddCached(d request.Descriptor, raw []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c.cache.Set(d.Key, raw, ttl)
}

// Close flushes every pending batch and stops the response cache
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		batches := c.batches
		c.batches = make(map[string]*pendingBatch)
		for _, b := range batches {
			if b.timer != nil {
				b.timer.Stop()
			}
		}
		c.mu.Unlock()

		for endpoint, b := range batches {
			if len(b.queries) > 0 {
				go c.runBatch(b.ctx, endpoint, b.queries)
			}
		}

		c.cache.Stop()
	})
}

// Load runs Query in the background
func (c *Connection) Load(ctx context.Context, d request.Descriptor) *future.Future[any] {
	return future.New(func() (any, error) {
		return c.Query(ctx, d)
	})
}

// Query sends d and decodes the response with d's codec
func (c *Connection) Query(ctx context.Context, d request.Descriptor) (any, error) {
	ctx, span := c.tracer.Start(ctx, "Connection.Query", trace.WithAttributes(
		attribute.String("endpoint", d.Endpoint),
		attribute.String("name", d.Name),
		attribute.Bool("mutation", d.Mutation),
	))
	defer span.End()
	ctx = logging.AddRequestMetaToContext(ctx, d.Endpoint, d.Name, d.Mutation)
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{
		"endpoint": d.Endpoint,
		"name":     d.Name,
	})

	var raw []byte
	var err error
	if d.Mutation || len(d.Attachments) > 0 {
		raw, err = c.queryWithRetries(ctx, d)
	} else {
		// Everyone waiting on the same key shares the attempts of the first caller
		var shared any
		shared, err, _ = c.inflight.Do(d.Key, func() (any, error) {
			return c.queryWithRetries(context.WithoutCancel(ctx), d)
		})
		raw, _ = shared.([]byte)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !isExpected(err) {
			reporting.Report(ctx, fmt.Errorf("query %s/%s failed: %w", d.Endpoint, d.Name, err))
		}
		return nil, err
	}

	codec := d.Response
	if codec == nil {
		codec = request.RawCodec{}
	}
	value, err := codec.Decode(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reporting.Report(ctx, err, map[string]string{
			"data": string(raw),
		})
		return nil, err
	}

	return value, nil
}

// isExpected is true for errors that are part of the API contract
func isExpected(err error) bool {
	for _, expected := range []error{
		domain.ErrNotFound,
		domain.ErrUnauthorized,
		domain.ErrForbidden,
		domain.ErrMalformedRequest,
		domain.ErrClient,
		domain.ErrNetwork,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, expected) {
			return true
		}
	}
	return false
}

func (c *Connection) queryWithRetries(ctx context.Context, d request.Descriptor) ([]byte, error) {
	logger := logging.FromContext(ctx)

	policy := c.newBackOff()

	var lastErr error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				return nil, lastErr
			}
			c.metrics.retryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", d.Endpoint)))
			logger.InfoContext(
				ctx,
				"Retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.afterFunc(delay):
			}
		}

		raw, err := c.attempt(ctx, d)
		if err == nil {
			return raw, nil
		}

		classified := classify(err)
		var permanent *backoff.PermanentError
		if errors.As(classified, &permanent) {
			return nil, permanent.Err
		}
		lastErr = classified
	}

	return nil, lastErr
}

func (c *Connection) attempt(ctx context.Context, d request.Descriptor) ([]byte, error) {
	if len(d.Attachments) > 0 {
		return c.sendWithAttachments(ctx, d)
	}
	return c.batch(ctx, d)
}

func jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return header
}

// sendWithAttachments sends the payload followed by every attachment in one
// body. X-Sizes lists the length of each part in order.
func (c *Connection) sendWithAttachments(ctx context.Context, d request.Descriptor) ([]byte, error) {
	var body bytes.Buffer
	sizes := make([]string, 0, len(d.Attachments)+1)

	body.Write(d.Payload)
	sizes = append(sizes, strconv.Itoa(len(d.Payload)))
	for _, attachment := range d.Attachments {
		body.Write(attachment)
		sizes = append(sizes, strconv.Itoa(len(attachment)))
	}

	header := jsonHeader()
	header.Set("X-Sizes", strings.Join(sizes, ","))

	resp, err := c.send(ctx, d.Endpoint, "q="+url.QueryEscape(d.Name), body.Bytes(), header)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Connection) send(ctx context.Context, endpoint, query string, body []byte, header http.Header) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "Connection.send", trace.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("query", query),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	resp, err := c.sender.Send(ctx, http.MethodPost, "/api/"+url.PathEscape(endpoint)+"?"+query, body, header)

	outcome := strconv.Itoa(resp.Status)
	var statusErr *StatusError
	var noResponseErr *NoResponseError
	switch {
	case errors.As(err, &statusErr):
		outcome = strconv.Itoa(statusErr.Status)
	case errors.As(err, &noResponseErr):
		outcome = "no_response"
	case err != nil:
		outcome = "local_error"
	}
	c.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	return resp, nil
}
