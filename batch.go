package graphload

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/graphload/graphload/executor"
)

// ErrNoOperationScope is returned by loader-backed fields when the operation was started
// through an entry point that doesn't establish per-operation batching and caching scope.
// Use App.Do or App.ServeGraphQL for operations that touch loader-backed fields.
var ErrNoOperationScope = errors.New("loader-backed fields require an operation scope; execute the operation with App.Do or App.ServeGraphQL")

// operationContext scopes batching and caching to a single top-level operation. It is
// created once per operation, threaded to every resolver through the operation's context,
// and discarded when the operation finishes. Nothing in it may be shared between
// operations.
//
// All fields are owned by the operation's executor goroutine. Batch functions run in their
// own goroutines but only communicate back over the results channel.
type operationContext struct {
	app *App
	ctx context.Context

	// The request and response that initiated the operation, when it came in over HTTP.
	request  *http.Request
	response http.ResponseWriter

	waves       map[loaderKey]*wave
	cache       map[loaderKey]map[string]*cacheCell
	results     chan waveResult
	outstanding int
}

func newOperationContext(app *App) *operationContext {
	return &operationContext{
		app:     app,
		waves:   map[loaderKey]*wave{},
		cache:   map[loaderKey]map[string]*cacheCell{},
		results: make(chan waveResult),
	}
}

// cacheCell holds the result for one dedup key. It starts out pending and settles exactly
// once, after which any request for the same key observes the settled value directly.
type cacheCell struct {
	settled bool
	value   interface{}
	err     error
	waiters []executor.ResolvePromise
}

func (c *cacheCell) settle(value interface{}, err error) {
	if c.settled {
		return
	}
	c.settled = true
	c.value = value
	c.err = err
	for _, waiter := range c.waiters {
		waiter <- executor.ResolveResult{Value: value, Error: err}
	}
	c.waiters = nil
}

// wave accumulates the batch inputs for one (operation, type, field) between two flush
// points. cells[i] receives the result for entries[i].
type wave struct {
	key     loaderKey
	batch   BatchFunc
	entries []LoaderEntry
	cells   []*cacheCell
}

type waveResult struct {
	wave    *wave
	results []LoaderResult
	err     error
}

// resolve registers one pending resolution for a loader-backed field. It returns either a
// settled value or an executor.ResolvePromise that will be filled once the field's current
// wave flushes.
func (op *operationContext) resolve(key loaderKey, decl Loader, object interface{}, arguments map[string]interface{}) (interface{}, error) {
	entry := LoaderEntry{Object: object, Arguments: arguments}

	if decl.DisableCache {
		promise := make(executor.ResolvePromise, 1)
		op.wave(key, decl).add(entry, &cacheCell{waiters: []executor.ResolvePromise{promise}})
		return promise, nil
	}

	k, err := decl.key(object, arguments)
	if err != nil {
		return nil, errors.Wrapf(err, "error deriving key for %v loader", key)
	}
	cells := op.cache[key]
	if cells == nil {
		cells = map[string]*cacheCell{}
		op.cache[key] = cells
	}
	if cell, ok := cells[k]; ok {
		if cell.settled {
			return cell.value, cell.err
		}
		promise := make(executor.ResolvePromise, 1)
		cell.waiters = append(cell.waiters, promise)
		return promise, nil
	}
	cell := &cacheCell{}
	cells[k] = cell
	promise := make(executor.ResolvePromise, 1)
	cell.waiters = append(cell.waiters, promise)
	op.wave(key, decl).add(entry, cell)
	return promise, nil
}

func (op *operationContext) wave(key loaderKey, decl Loader) *wave {
	w := op.waves[key]
	if w == nil {
		w = &wave{key: key, batch: decl.Batch}
		op.waves[key] = w
	}
	return w
}

func (w *wave) add(entry LoaderEntry, cell *cacheCell) {
	w.entries = append(w.entries, entry)
	w.cells = append(w.cells, cell)
}

// idle is the operation's flush point, invoked by the executor whenever it runs out of
// synchronous work. Every accumulated wave is dispatched in its own goroutine so one slow
// backend doesn't serialize the others, then idle blocks until at least one wave
// completes and settles everything that has arrived.
func (op *operationContext) idle() {
	for key, w := range op.waves {
		delete(op.waves, key)
		op.outstanding++
		go w.dispatch(op.ctx, op.results)
	}
	if op.outstanding == 0 {
		return
	}
	select {
	case result := <-op.results:
		op.outstanding--
		op.deliver(result)
	case <-op.ctx.Done():
		// The operation is being abandoned. Outstanding batches finish on their own; their
		// results just never become observable.
		return
	}
	for {
		select {
		case result := <-op.results:
			op.outstanding--
			op.deliver(result)
		default:
			return
		}
	}
}

func (w *wave) dispatch(ctx context.Context, results chan<- waveResult) {
	rs, err := w.batch(ctx, w.entries)
	if err == nil && len(rs) != len(w.entries) {
		err = errors.Errorf("loader for %v returned %v results for %v entries", w.key, len(rs), len(w.entries))
	}
	select {
	case results <- waveResult{wave: w, results: rs, err: err}:
	case <-ctx.Done():
	}
}

func (op *operationContext) deliver(result waveResult) {
	w := result.wave
	if result.err != nil {
		op.app.logger.WithError(result.err).WithField("loader", w.key.String()).Error("loader batch failed")
		for _, cell := range w.cells {
			cell.settle(nil, result.err)
		}
		return
	}
	for i, cell := range w.cells {
		cell.settle(result.results[i].Value, result.results[i].Err)
	}
}

// loaderResolver synthesizes an ordinary field resolver from a loader declaration. The
// execution engine invokes it once per parent object; each invocation registers with the
// operation's current wave and the results come back through the promise.
func loaderResolver(key loaderKey, decl Loader) executor.Resolver {
	return func(ctx *executor.FieldContext) (interface{}, error) {
		op := ctxOperation(ctx.Context)
		if op == nil {
			return nil, errors.Wrapf(ErrNoOperationScope, "cannot resolve %v", key)
		}
		return op.resolve(key, decl, ctx.Object, ctx.Arguments)
	}
}
