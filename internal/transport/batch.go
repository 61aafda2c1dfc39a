package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/Amund211/datasource/internal/request"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type batchResult struct {
	body []byte
	err  error
}

type batchedQuery struct {
	key     string
	name    string
	payload []byte
	result  chan batchResult
}

func (q *batchedQuery) resolve(body []byte) {
	q.result <- batchResult{body: body}
}

func (q *batchedQuery) reject(err error) {
	q.result <- batchResult{err: err}
}

// pendingBatch collects the reads to one endpoint until the batch timeout
// passes without new arrivals
type pendingBatch struct {
	ctx        context.Context
	queries    []*batchedQuery
	timer      *time.Timer
	generation uint64
}

func (c *Connection) batch(ctx context.Context, d request.Descriptor) ([]byte, error) {
	q := &batchedQuery{
		key:     d.Key,
		name:    d.Name,
		payload: d.Payload,
		result:  make(chan batchResult, 1),
	}

	if c.maxBatch <= 1 || d.Mutation {
		c.runBatch(ctx, d.Endpoint, []*batchedQuery{q})
	} else {
		c.enqueue(ctx, d.Endpoint, q)
	}

	select {
	case result := <-q.result:
		return result.body, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) enqueue(ctx context.Context, endpoint string, q *batchedQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[endpoint]
	if !ok {
		b = &pendingBatch{}
		c.batches[endpoint] = b
	}
	if b.timer != nil {
		b.timer.Stop()
	}

	if len(b.queries) >= c.maxBatch {
		go c.runBatch(b.ctx, endpoint, b.queries)
		b.queries = nil
	}
	if len(b.queries) == 0 {
		b.ctx = context.WithoutCancel(ctx)
	}
	b.queries = append(b.queries, q)

	b.generation++
	generation := b.generation
	b.timer = time.AfterFunc(c.batchTimeout, func() {
		c.flush(endpoint, generation)
	})
}

func (c *Connection) flush(endpoint string, generation uint64) {
	c.mu.Lock()
	b, ok := c.batches[endpoint]
	// A later arrival has rescheduled the flush
	if !ok || b.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.batches, endpoint)
	c.mu.Unlock()

	if len(b.queries) > 0 {
		c.runBatch(b.ctx, endpoint, b.queries)
	}
}

// runBatch resolves every query from the response cache if possible and
// sends the rest in a single request
func (c *Connection) runBatch(ctx context.Context, endpoint string, queries []*batchedQuery) {
	remaining := make([]*batchedQuery, 0, len(queries))
	for _, q := range queries {
		if item, found := c.cache.GetAndDelete(q.key); found {
			c.metrics.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
			q.resolve(item.Value())
			continue
		}
		remaining = append(remaining, q)
	}

	if len(remaining) == 0 {
		return
	}

	c.metrics.batchSize.Record(ctx, int64(len(remaining)), metric.WithAttributes(attribute.String("endpoint", endpoint)))

	if len(remaining) == 1 {
		q := remaining[0]
		resp, err := c.send(ctx, endpoint, "q="+url.QueryEscape(q.name), q.payload, jsonHeader())
		if err != nil {
			q.reject(err)
			return
		}
		q.resolve(resp.Body)
		return
	}

	rejectAll := func(err error) {
		for _, q := range remaining {
			q.reject(err)
		}
	}

	resp, err := c.send(ctx, endpoint, "batch="+strconv.Itoa(len(remaining)), batchBody(remaining), jsonHeader())
	if err != nil {
		rejectAll(err)
		return
	}

	results, err := parseBatchResponse(resp.Body)
	if err != nil {
		rejectAll(fmt.Errorf("%w: invalid batch response: %w", domain.ErrNetwork, err))
		return
	}
	if len(results) != len(remaining) {
		rejectAll(fmt.Errorf("%w: incorrect batch response size: got %d, want %d", domain.ErrNetwork, len(results), len(remaining)))
		return
	}

	for i, result := range results {
		if result.status == http.StatusOK {
			remaining[i].resolve(result.data)
		} else {
			remaining[i].reject(&StatusError{Status: result.status, Body: result.data})
		}
	}
}

// batchBody encodes the queries as [[name, payload], ...]
func batchBody(queries []*batchedQuery) []byte {
	var body bytes.Buffer
	body.WriteByte('[')
	for i, q := range queries {
		if i > 0 {
			body.WriteByte(',')
		}
		name, _ := json.Marshal(q.name)
		body.WriteByte('[')
		body.Write(name)
		body.WriteByte(',')
		body.Write(q.payload)
		body.WriteByte(']')
	}
	body.WriteByte(']')
	return body.Bytes()
}

type batchItemResult struct {
	status int
	data   []byte
}

// parseBatchResponse decodes [[status, data], ...]
func parseBatchResponse(body []byte) ([]batchItemResult, error) {
	var items [][]json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}

	results := make([]batchItemResult, len(items))
	for i, item := range items {
		if len(item) != 2 {
			return nil, fmt.Errorf("batch response item %d has %d elements", i, len(item))
		}
		if err := json.Unmarshal(item[0], &results[i].status); err != nil {
			return nil, fmt.Errorf("batch response item %d has an invalid status: %w", i, err)
		}
		results[i].data = item[1]
	}
	return results, nil
}
