package graphload

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/graphload/graphload/executor"
)

// planCacheSize bounds the jit bookkeeping caches. Unlike the document cache it isn't
// configurable: plan promotion is an optimization for hot queries, and hot queries fit.
const planCacheSize = 1024

// queryPlan is a query that has been promoted past the jit threshold: parsed, validated,
// and with its operation already selected. Executing a plan skips all of that work.
type queryPlan struct {
	document  *ast.QueryDocument
	operation *ast.OperationDefinition
}

type queryCaches struct {
	// documents caches parsed and validated query documents by query text. Nil when the
	// cache is disabled.
	documents *lru.Cache[string, *ast.QueryDocument]

	// jitThreshold is the execution count at which a query is promoted to the plan cache.
	// Zero disables promotion.
	jitThreshold int
	countsMu     sync.Mutex
	counts       *lru.Cache[string, int]
	plans        *lru.Cache[string, *queryPlan]
}

func newQueryCaches(documentCacheSize, jitThreshold int) (*queryCaches, error) {
	caches := &queryCaches{
		jitThreshold: jitThreshold,
	}
	if documentCacheSize > 0 {
		documents, err := lru.New[string, *ast.QueryDocument](documentCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "error creating query cache")
		}
		caches.documents = documents
	}
	if jitThreshold > 0 {
		counts, err := lru.New[string, int](planCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "error creating jit cache")
		}
		plans, err := lru.New[string, *queryPlan](planCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "error creating plan cache")
		}
		caches.counts = counts
		caches.plans = plans
	}
	return caches, nil
}

func planKey(query, operationName string) string {
	return operationName + "\x00" + query
}

// prepare turns query text into an executable document, consulting the plan and document
// caches along the way. The returned operation is non-nil only when a promoted plan was
// used.
func (app *App) prepare(query, operationName string) (*ast.QueryDocument, *ast.OperationDefinition, gqlerror.List) {
	caches := app.caches

	if caches.plans != nil {
		if plan, ok := caches.plans.Get(planKey(query, operationName)); ok {
			return plan.document, plan.operation, nil
		}
	}

	var doc *ast.QueryDocument
	if caches.documents != nil {
		if cached, ok := caches.documents.Get(query); ok {
			doc = cached
		}
	}
	if doc == nil {
		parsed, errs := gqlparser.LoadQuery(app.schema, query)
		if len(errs) > 0 {
			return nil, nil, errs
		}
		doc = parsed
		if caches.documents != nil {
			caches.documents.Add(query, doc)
		}
	}

	if caches.plans != nil {
		key := planKey(query, operationName)
		caches.countsMu.Lock()
		count, _ := caches.counts.Get(key)
		count++
		caches.counts.Add(key, count)
		promote := count >= caches.jitThreshold
		caches.countsMu.Unlock()
		if promote {
			if operation, err := executor.GetOperation(doc, operationName); err == nil {
				caches.plans.Add(key, &queryPlan{
					document:  doc,
					operation: operation,
				})
			}
		}
	}

	return doc, nil, nil
}
