// Package loader coalesces point lookups by primary key into chunked
// BatchGetItem requests. Lookups issued within one debounce window share a
// request; LoadMany flushes immediately.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/store"
)

const (
	// DefaultWindow is how long the first lookup of a group waits for company
	DefaultWindow = time.Millisecond

	// MaxBatchSize is the store's limit on keys per request
	MaxBatchSize = 100
)

// Fetcher issues a single batched point-get. *store.Store implements it.
type Fetcher interface {
	BatchGet(ctx context.Context, table, keyField string, keys []any, projection []string) (*store.BatchGetResult, error)
}

// Scheduler runs fn after d. time.AfterFunc is the default.
type Scheduler func(d time.Duration, fn func())

// Options configures a Loader
type Options struct {
	Window       time.Duration
	MaxBatchSize int
	Retry        *RetryPolicy
	Limiter      *rate.Limiter
	Logger       zerolog.Logger
	Scheduler    Scheduler
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Loader batches point lookups. It is safe for concurrent use.
type Loader struct {
	fetcher Fetcher
	opts    Options

	mu     sync.Mutex
	groups map[groupKey]*group
}

type groupKey struct {
	table    string
	keyField string
}

// group holds the lookups for one (table, key field) collected in a window
type group struct {
	order   []*pending
	pending map[string]*pending
}

// pending is one distinct key and everyone waiting on it
type pending struct {
	id     string
	value  any
	done   chan struct{}
	record core.Record
	err    error
}

func (p *pending) resolve(record core.Record, err error) {
	p.record, p.err = record, err
	close(p.done)
}

// New creates a Loader over fetcher
func New(fetcher Fetcher, opts Options) (*Loader, error) {
	if fetcher == nil {
		return nil, dynaplanErrors.ErrMissingClient
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxBatchSize <= 0 || opts.MaxBatchSize > MaxBatchSize {
		opts.MaxBatchSize = MaxBatchSize
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Loader{
		fetcher: fetcher,
		opts:    opts,
		groups:  make(map[groupKey]*group),
	}, nil
}

// Load returns the record whose keyField equals key, or nil when no such
// record exists. The lookup is sent with every other lookup for the same
// table and key field issued in the current window.
func (l *Loader) Load(ctx context.Context, table, keyField string, key any) (core.Record, error) {
	p := l.enqueue(table, keyField, key)
	select {
	case <-p.done:
		return p.record, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadMany looks up keys and flushes without waiting for the window. The
// result is aligned with keys; missing records are nil.
func (l *Loader) LoadMany(ctx context.Context, table, keyField string, keys []any) ([]core.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	waiting := make([]*pending, len(keys))
	for i, k := range keys {
		waiting[i] = l.enqueue(table, keyField, k)
	}
	// The group may hold keys queued by other callers
	l.flush(context.WithoutCancel(ctx), groupKey{table: table, keyField: keyField})

	records := make([]core.Record, len(keys))
	for i, p := range waiting {
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.err != nil {
			return nil, p.err
		}
		records[i] = p.record
	}
	return records, nil
}

// Pending returns the number of distinct keys waiting for a flush
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, g := range l.groups {
		n += len(g.order)
	}
	return n
}

func (l *Loader) enqueue(table, keyField string, key any) *pending {
	gk := groupKey{table: table, keyField: keyField}
	id := core.KeyString(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[gk]
	if !ok {
		g = &group{pending: make(map[string]*pending)}
		l.groups[gk] = g
		l.opts.Scheduler(l.opts.Window, func() {
			// Detached so a canceled waiter does not abort lookups others share
			l.flush(context.Background(), gk)
		})
	}
	if p, dup := g.pending[id]; dup {
		return p
	}
	p := &pending{id: id, value: key, done: make(chan struct{})}
	g.pending[id] = p
	g.order = append(g.order, p)
	return p
}

// flush takes the group out of the loader and fetches it chunk by chunk. A
// group already taken by another flush is left alone.
func (l *Loader) flush(ctx context.Context, gk groupKey) {
	l.mu.Lock()
	g, ok := l.groups[gk]
	if ok {
		delete(l.groups, gk)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	size := l.opts.MaxBatchSize
	for start := 0; start < len(g.order); start += size {
		end := start + size
		if end > len(g.order) {
			end = len(g.order)
		}
		l.fetchChunk(ctx, gk, g.order[start:end])
	}
}

// fetchChunk loads one chunk, retrying unprocessed keys and retryable
// transport errors with backoff. Every pending in chunk is resolved on return.
func (l *Loader) fetchChunk(ctx context.Context, gk groupKey, chunk []*pending) {
	logger := l.opts.Logger.With().Str("table", gk.table).Str("keyField", gk.keyField).Logger()
	found := make(map[string]core.Record, len(chunk))
	remaining := chunk

	fail := func(err error) {
		for _, p := range chunk {
			p.resolve(nil, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if l.opts.Limiter != nil {
			if err := l.opts.Limiter.Wait(ctx); err != nil {
				fail(err)
				return
			}
		}

		keys := make([]any, len(remaining))
		for i, p := range remaining {
			keys[i] = p.value
		}
		logger.Debug().Int("keys", len(keys)).Int("attempt", attempt).Msg("submitting batch get chunk")

		result, err := l.fetcher.BatchGet(ctx, gk.table, gk.keyField, keys, nil)
		if err != nil {
			if !store.IsRetryable(err) || attempt >= l.opts.Retry.MaxRetries {
				fail(err)
				return
			}
			delay := retryDelay(l.opts.Retry, attempt)
			logger.Warn().Err(err).Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying batch get after transport error")
			if err := l.opts.Sleep(ctx, delay); err != nil {
				fail(err)
				return
			}
			continue
		}

		for _, rec := range result.Records {
			found[core.KeyString(rec[gk.keyField])] = rec
		}
		if len(result.Unprocessed) == 0 {
			break
		}

		if attempt >= l.opts.Retry.MaxRetries {
			fail(dynaplanErrors.NewErrorWithContext("batch get", gk.table,
				dynaplanErrors.Errorf(dynaplanErrors.ErrBatchRetriesExhausted, "%d keys unprocessed after %d attempts", len(result.Unprocessed), attempt+1),
				map[string]any{"unprocessed": len(result.Unprocessed)}))
			return
		}

		unprocessed := make(map[string]bool, len(result.Unprocessed))
		for _, k := range result.Unprocessed {
			unprocessed[core.KeyString(k)] = true
		}
		next := make([]*pending, 0, len(unprocessed))
		for _, p := range remaining {
			if unprocessed[p.id] {
				next = append(next, p)
			}
		}
		remaining = next

		delay := retryDelay(l.opts.Retry, attempt)
		logger.Debug().Int("unprocessed", len(remaining)).Dur("delay", delay).Msg("retrying unprocessed keys")
		if err := l.opts.Sleep(ctx, delay); err != nil {
			fail(err)
			return
		}
	}

	for _, p := range chunk {
		p.resolve(found[p.id], nil)
	}
}
