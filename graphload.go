package graphload

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/graphload/graphload/executor"
)

// App hosts a schema along with its resolvers and loader declarations, and executes
// operations against them.
type App struct {
	config *Config
	schema *ast.Schema
	logger logrus.FieldLogger

	loadersMu sync.RWMutex
	loaders   map[string]map[string]Loader

	caches    *queryCaches
	persisted PersistedQueryStorage
}

// NewApp validates the given configuration and returns an App ready to execute operations.
func NewApp(cfg *Config) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	schema, err := cfg.graphqlSchema()
	if err != nil {
		return nil, err
	}
	if err := validateResolvers(schema, cfg.Resolvers); err != nil {
		return nil, err
	}
	if err := validateLoaders(schema, cfg.Loaders); err != nil {
		return nil, err
	}
	storage, err := cfg.persistedQueryStorage()
	if err != nil {
		return nil, err
	}
	caches, err := newQueryCaches(cfg.QueryCacheSize, cfg.JITThreshold)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &App{
		config:    cfg,
		schema:    schema,
		logger:    logger,
		loaders:   mergeLoaders(nil, cfg.Loaders),
		caches:    caches,
		persisted: storage,
	}, nil
}

// DefineLoaders merges additional loader declarations into the App. Declarations for a
// (type, field) that already has one replace it; merging an identical set is a no-op.
// Operations already in flight are unaffected.
func (app *App) DefineLoaders(loaders map[string]map[string]Loader) error {
	if err := validateLoaders(app.schema, loaders); err != nil {
		return err
	}
	app.loadersMu.Lock()
	app.loaders = mergeLoaders(app.loaders, loaders)
	app.loadersMu.Unlock()
	return nil
}

type appContextKeyType int

var appContextKey appContextKeyType

func ctxApp(ctx context.Context) *App {
	app, _ := ctx.Value(appContextKey).(*App)
	return app
}

type operationContextKeyType int

var operationContextKey operationContextKeyType

func ctxOperation(ctx context.Context) *operationContext {
	op, _ := ctx.Value(operationContextKey).(*operationContext)
	return op
}

// RequestFromContext returns the HTTP request that initiated the current operation, if the
// operation came in through ServeGraphQL.
func RequestFromContext(ctx context.Context) *http.Request {
	if op := ctxOperation(ctx); op != nil {
		return op.request
	}
	return nil
}

// ResponseWriterFromContext returns the response writer for the current operation, if the
// operation came in through ServeGraphQL. Resolvers can use it to set headers such as
// cookies; writing the body remains the App's job.
func ResponseWriterFromContext(ctx context.Context) http.ResponseWriter {
	if op := ctxOperation(ctx); op != nil {
		return op.response
	}
	return nil
}

// Request is a single GraphQL request.
type Request struct {
	Context context.Context

	Query          string
	OperationName  string
	VariableValues map[string]interface{}
	Extensions     map[string]interface{}
}

// Response is the result of executing a request.
type Response struct {
	Data   *interface{} `json:"data,omitempty"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

// Do executes a request within a new operation scope: loader-backed fields resolved during
// the operation are batched per wave and deduplicated for the lifetime of this one
// request. This is the canonical entry point for query evaluation.
func (app *App) Do(r *Request) *Response {
	ctx := r.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return app.execute(ctx, newOperationContext(app), r)
}

// Evaluate executes a query without establishing an operation scope. Loader-backed fields
// cannot be resolved this way: each occurrence fails with an error wrapping
// ErrNoOperationScope, and the failures are returned together as a gqlerror.List. Use Do
// for operations that touch loader-backed fields.
func (app *App) Evaluate(ctx context.Context, query, operationName string, variables map[string]interface{}) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, appContextKey, app)
	doc, operation, errs := app.prepare(query, operationName)
	if len(errs) > 0 {
		return nil, errs
	}
	data, execErrs := executor.ExecuteRequest(ctx, &executor.Request{
		Document:       doc,
		Operation:      operation,
		Schema:         app.schema,
		Resolvers:      app.operationResolvers(),
		TypeResolvers:  app.config.TypeResolvers,
		OperationName:  operationName,
		VariableValues: variables,
	})
	if len(execErrs) > 0 {
		var ret interface{}
		if data != nil {
			ret = data
		}
		return ret, execErrs
	}
	return data, nil
}

func (app *App) execute(ctx context.Context, op *operationContext, r *Request) *Response {
	ctx = context.WithValue(ctx, appContextKey, app)
	ctx = context.WithValue(ctx, operationContextKey, op)
	op.ctx = ctx

	r, errResp := app.resolvePersistedQuery(ctx, r)
	if errResp != nil {
		return errResp
	}

	doc, operation, errs := app.prepare(r.Query, r.OperationName)
	if len(errs) > 0 {
		return &Response{Errors: errs}
	}

	app.logger.WithField("operation_name", r.OperationName).Debug("executing operation")

	data, execErrs := executor.ExecuteRequest(ctx, &executor.Request{
		Document:       doc,
		Operation:      operation,
		Schema:         app.schema,
		Resolvers:      app.operationResolvers(),
		TypeResolvers:  app.config.TypeResolvers,
		OperationName:  r.OperationName,
		VariableValues: r.VariableValues,
		IdleHandler:    op.idle,
	})
	var dataInterface interface{}
	if data != nil {
		dataInterface = data
	}
	return &Response{
		Data:   &dataInterface,
		Errors: execErrs,
	}
}

// operationResolvers builds the resolver table for one operation: the configured static
// resolvers plus a synthesized resolver per loader declaration, taken from the current
// registry snapshot.
func (app *App) operationResolvers() executor.ResolverTable {
	app.loadersMu.RLock()
	loaders := app.loaders
	app.loadersMu.RUnlock()

	table := executor.ResolverTable{}
	for typeName, fields := range app.config.Resolvers {
		m := make(map[string]executor.Resolver, len(fields))
		for name, resolver := range fields {
			m[name] = resolver
		}
		table[typeName] = m
	}
	for typeName, fields := range loaders {
		m := table[typeName]
		if m == nil {
			m = make(map[string]executor.Resolver, len(fields))
			table[typeName] = m
		}
		for name, decl := range fields {
			m[name] = loaderResolver(loaderKey{Type: typeName, Field: name}, decl)
		}
	}
	return table
}

// ServeGraphQL serves GraphQL over HTTP, establishing a new operation scope per request.
func (app *App) ServeGraphQL(w http.ResponseWriter, r *http.Request) {
	req, code, err := NewRequestFromHTTP(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	op := newOperationContext(app)
	op.request = r
	op.response = w
	resp := app.execute(r.Context(), op, req)

	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(resp)
	if err != nil {
		app.logger.WithError(errors.Wrap(err, "error marshaling response")).Error("graphql response error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}
