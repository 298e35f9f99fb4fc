package executor

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
)

// Request contains everything needed to execute a parsed and validated query document.
type Request struct {
	Document *ast.QueryDocument
	Schema   *ast.Schema

	// Operation may be provided to skip operation lookup, e.g. when executing a cached
	// plan. If nil, the operation is selected from the document by OperationName.
	Operation *ast.OperationDefinition

	// Resolvers provides field resolvers by (type, field). Fields with no entry fall back
	// to property access on the parent object.
	Resolvers ResolverTable

	// TypeResolvers determine the concrete object type for values of interface or union
	// types, by abstract type name.
	TypeResolvers map[string]func(value interface{}) string

	OperationName  string
	VariableValues map[string]interface{}
	InitialValue   interface{}

	// IdleHandler is invoked whenever the executor has no synchronous work left while
	// resolve promises remain outstanding. It must cause at least one outstanding promise
	// to receive a result, and may block until one is available.
	IdleHandler func()
}

// ExecuteRequest executes a request and returns the response data along with any field
// errors that occurred.
func ExecuteRequest(ctx context.Context, r *Request) (*OrderedMap, gqlerror.List) {
	e, err := newExecutor(ctx, r)
	if err != nil {
		return nil, gqlerror.List{err}
	}
	switch e.operation.Operation {
	case ast.Query, "":
		return e.executeQuery(r.InitialValue)
	case ast.Mutation:
		return e.executeMutation(r.InitialValue)
	default:
		return nil, gqlerror.List{gqlerror.ErrorPosf(e.operation.Position, "This entry point cannot perform %v operations.", e.operation.Operation)}
	}
}

// GetOperation returns the operation with the given name, which may be empty if the
// document contains a single anonymous operation.
func GetOperation(doc *ast.QueryDocument, operationName string) (*ast.OperationDefinition, *gqlerror.Error) {
	var ret *ast.OperationDefinition
	for _, op := range doc.Operations {
		if op.Name == operationName {
			if ret != nil {
				return nil, gqlerror.ErrorPosf(op.Position, "Multiple matching operations.")
			}
			ret = op
		}
	}
	if ret == nil {
		return nil, gqlerror.Errorf("No matching operations.")
	}
	return ret, nil
}

type executor struct {
	ctx           context.Context
	schema        *ast.Schema
	fragments     ast.FragmentDefinitionList
	resolvers     ResolverTable
	typeResolvers map[string]func(interface{}) string
	variables     map[string]interface{}
	operation     *ast.OperationDefinition
	idleHandler   func()

	errors   gqlerror.List
	pendings []*pending

	// dataNulled is set when a non-null violation propagates all the way to the response
	// root after the root map has already been handed out.
	dataNulled bool
}

func newExecutor(ctx context.Context, r *Request) (*executor, *gqlerror.Error) {
	operation := r.Operation
	if operation == nil {
		var err *gqlerror.Error
		if operation, err = GetOperation(r.Document, r.OperationName); err != nil {
			return nil, err
		}
	}
	variables, varErr := validator.VariableValues(r.Schema, operation, r.VariableValues)
	if varErr != nil {
		if gqlErr, ok := varErr.(*gqlerror.Error); ok {
			return nil, gqlErr
		}
		return nil, gqlerror.Errorf("%v", varErr)
	}
	return &executor{
		ctx:           ctx,
		schema:        r.Schema,
		fragments:     r.Document.Fragments,
		resolvers:     r.Resolvers,
		typeResolvers: r.TypeResolvers,
		variables:     variables,
		operation:     operation,
		idleHandler:   r.IdleHandler,
	}, nil
}

func (e *executor) executeQuery(initialValue interface{}) (*OrderedMap, gqlerror.List) {
	if e.schema.Query == nil {
		return nil, gqlerror.List{gqlerror.ErrorPosf(e.operation.Position, "This schema cannot perform queries.")}
	}
	data, err := e.executeSelections(e.operation.SelectionSet, e.schema.Query, initialValue, nil, nil, false)
	if err != nil {
		e.errors = append(e.errors, err)
		return nil, e.errors
	}
	e.drainPromises()
	if e.dataNulled {
		return nil, e.errors
	}
	return data, e.errors
}

func (e *executor) executeMutation(initialValue interface{}) (*OrderedMap, gqlerror.List) {
	if e.schema.Mutation == nil {
		return nil, gqlerror.List{gqlerror.ErrorPosf(e.operation.Position, "This schema cannot perform mutations.")}
	}
	data, err := e.executeSelections(e.operation.SelectionSet, e.schema.Mutation, initialValue, nil, nil, true)
	if err != nil {
		e.errors = append(e.errors, err)
		return nil, e.errors
	}
	e.drainPromises()
	if e.dataNulled {
		return nil, e.errors
	}
	return data, e.errors
}

// executeSelections resolves one object's selections into an ordered result map. Fields
// whose resolvers return promises get their slot filled in later, by drainPromises. When
// serial is set, promises are drained after each field so that root mutation fields
// execute strictly in order.
func (e *executor) executeSelections(sels ast.SelectionSet, objectDef *ast.Definition, objectValue interface{}, path ast.Path, nullables []slot, serial bool) (*OrderedMap, *gqlerror.Error) {
	groups := e.collectFields(objectDef, sels, nil)
	resultMap := NewOrderedMapWithLength(len(groups))
	for i, group := range groups {
		field := group.fields[0]
		resultMap.Set(i, group.key, nil)

		if field.Name == "__typename" {
			resultMap.Set(i, group.key, objectDef.Name)
			continue
		}

		fieldDef := field.Definition
		if fieldDef == nil {
			fieldDef = objectDef.Fields.ForName(field.Name)
		}
		if fieldDef == nil {
			// Validated documents don't get here.
			continue
		}

		fieldPath := pathWithName(path, group.key)
		if err := e.executeField(objectDef, objectValue, group.fields, fieldDef, fieldPath, nullables, mapSlot{resultMap, i}); err != nil {
			if fieldDef.Type.NonNull {
				return nil, err
			}
			e.errors = append(e.errors, err)
		}
		if serial {
			e.drainPromises()
		}
	}
	return resultMap, nil
}

func (e *executor) executeField(objectDef *ast.Definition, objectValue interface{}, fields []*ast.Field, fieldDef *ast.FieldDefinition, path ast.Path, nullables []slot, dest mapSlot) *gqlerror.Error {
	if err := e.ctx.Err(); err != nil {
		return e.fieldError(fields, path, err, "%v", err)
	}

	field := fields[0]
	arguments := field.ArgumentMap(e.variables)

	var value interface{}
	var err error
	if resolver := e.resolvers.Lookup(objectDef.Name, field.Name); resolver != nil {
		value, err = resolver(&FieldContext{
			Context:   e.ctx,
			Schema:    e.schema,
			Object:    objectValue,
			Arguments: arguments,
			Field:     field,
		})
	} else {
		value, err = defaultResolve(objectValue, field.Name)
	}
	if !isNil(err) {
		return e.fieldError(fields, path, err, "%v", err)
	}

	if promise, ok := value.(ResolvePromise); ok {
		e.pendings = append(e.pendings, &pending{
			promise:   promise,
			fields:    fields,
			fieldType: fieldDef.Type,
			dest:      dest,
			path:      path,
			nullables: nullables,
		})
		return nil
	}

	completed, completeErr := e.completeValue(fieldDef.Type, fields, value, path, e.childNullables(fieldDef.Type, dest, nullables))
	if completeErr != nil {
		return completeErr
	}
	dest.set(completed)
	return nil
}

func (e *executor) completeValue(typ *ast.Type, fields []*ast.Field, result interface{}, path ast.Path, nullables []slot) (interface{}, *gqlerror.Error) {
	if isNil(result) {
		if typ.NonNull {
			return nil, e.fieldError(fields, path, nil, "Null result for non-null field.")
		}
		return nil, nil
	}

	if typ.Elem != nil {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, e.fieldError(fields, path, nil, "Result is not a list.")
		}
		completed := make([]interface{}, rv.Len())
		for i := range completed {
			elemPath := pathWithIndex(path, i)
			elemNullables := nullables
			if !typ.Elem.NonNull {
				elemNullables = prependSlot(listSlot{completed, i}, nullables)
			}
			v, err := e.completeValue(typ.Elem, fields, rv.Index(i).Interface(), elemPath, elemNullables)
			if err != nil {
				if typ.Elem.NonNull {
					return nil, err
				}
				e.errors = append(e.errors, err)
				v = nil
			}
			completed[i] = v
		}
		return completed, nil
	}

	def := e.schema.Types[typ.NamedType]
	if def == nil {
		return nil, e.fieldError(fields, path, nil, "Undefined type %v.", typ.NamedType)
	}

	switch def.Kind {
	case ast.Scalar, ast.Enum:
		return e.serializeLeaf(def, fields, path, result)
	case ast.Object, ast.Interface, ast.Union:
		objectDef := def
		if def.Kind != ast.Object {
			resolveType := e.typeResolvers[def.Name]
			if resolveType == nil {
				return nil, e.fieldError(fields, path, nil, "No type resolver for abstract type %v.", def.Name)
			}
			objectDef = e.schema.Types[resolveType(result)]
			if objectDef == nil || objectDef.Kind != ast.Object {
				return nil, e.fieldError(fields, path, nil, "Unable to determine object type.")
			}
		}
		return e.executeSelections(mergeSelectionSets(fields), objectDef, result, path, nullables, false)
	}
	return nil, e.fieldError(fields, path, nil, "Unexpected type kind %v.", def.Kind)
}

func (e *executor) serializeLeaf(def *ast.Definition, fields []*ast.Field, path ast.Path, result interface{}) (interface{}, *gqlerror.Error) {
	if def.Kind == ast.Enum {
		switch v := result.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return nil, e.fieldError(fields, path, nil, "Unexpected result for %v enum: %T", def.Name, result)
	}

	rv := reflect.ValueOf(result)
	switch def.Name {
	case "Int":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			if f := rv.Float(); f == math.Trunc(f) {
				return int64(f), nil
			}
		}
	case "Float":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		}
	case "String":
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case "ID":
		switch rv.Kind() {
		case reflect.String:
			return rv.String(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(rv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(rv.Uint(), 10), nil
		}
	case "Boolean":
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	default:
		// Custom scalar. The resolver is responsible for returning something serializable.
		return result, nil
	}
	return nil, e.fieldError(fields, path, nil, "Unexpected result for %v: %T", def.Name, result)
}

var errNoIdleHandler = errors.New("a resolver returned a promise, but the request has no idle handler")
var errIdleNoProgress = errors.New("the idle handler returned without settling any outstanding promises")

// drainPromises settles outstanding promises until none remain. When no promise has a
// result ready, the request's idle handler is invoked to produce one. Completing a promise
// may register new promises (e.g. for deferred fields beneath the completed value); those
// join the next pass.
func (e *executor) drainPromises() {
	idled := false
	for len(e.pendings) > 0 {
		pendings := e.pendings
		e.pendings = nil
		var waiting []*pending
		progressed := false
		for _, p := range pendings {
			if err := e.ctx.Err(); err != nil {
				e.completePending(p, ResolveResult{Error: err})
				progressed = true
				continue
			}
			select {
			case result := <-p.promise:
				e.completePending(p, result)
				progressed = true
			default:
				waiting = append(waiting, p)
			}
		}
		e.pendings = append(waiting, e.pendings...)
		if len(e.pendings) == 0 {
			return
		}
		if progressed {
			idled = false
			continue
		}
		if e.idleHandler == nil || idled {
			err := errNoIdleHandler
			if idled {
				err = errIdleNoProgress
			}
			for _, p := range e.pendings {
				e.completePending(p, ResolveResult{Error: err})
			}
			e.pendings = nil
			return
		}
		e.idleHandler()
		idled = true
	}
}

func (e *executor) completePending(p *pending, result ResolveResult) {
	if !isNil(result.Error) {
		e.settlePendingError(p, e.fieldError(p.fields, p.path, result.Error, "%v", result.Error))
		return
	}
	completed, err := e.completeValue(p.fieldType, p.fields, result.Value, p.path, e.childNullables(p.fieldType, p.dest, p.nullables))
	if err != nil {
		e.settlePendingError(p, err)
		return
	}
	p.dest.set(completed)
}

func (e *executor) settlePendingError(p *pending, err *gqlerror.Error) {
	e.errors = append(e.errors, err)
	if !p.fieldType.NonNull {
		p.dest.set(nil)
		return
	}
	if len(p.nullables) > 0 {
		p.nullables[0].set(nil)
	} else {
		e.dataNulled = true
	}
}

// childNullables is the enclosing-nullable-slot chain for values beneath the given field.
func (e *executor) childNullables(typ *ast.Type, dest slot, nullables []slot) []slot {
	if typ.NonNull {
		return nullables
	}
	return prependSlot(dest, nullables)
}

func prependSlot(s slot, chain []slot) []slot {
	ret := make([]slot, 0, len(chain)+1)
	return append(append(ret, s), chain...)
}

type fieldGroup struct {
	key    string
	fields []*ast.Field
}

func (e *executor) collectFields(objectDef *ast.Definition, sels ast.SelectionSet, visited map[string]bool) []fieldGroup {
	if visited == nil {
		visited = map[string]bool{}
	}
	var groups []fieldGroup
	index := map[string]int{}
	e.collectFieldsInto(objectDef, sels, visited, &groups, index)
	return groups
}

func (e *executor) collectFieldsInto(objectDef *ast.Definition, sels ast.SelectionSet, visited map[string]bool, groups *[]fieldGroup, index map[string]int) {
	for _, sel := range sels {
		switch sel := sel.(type) {
		case *ast.Field:
			if !e.shouldInclude(sel.Directives) {
				continue
			}
			key := sel.Alias
			if key == "" {
				key = sel.Name
			}
			if i, ok := index[key]; ok {
				(*groups)[i].fields = append((*groups)[i].fields, sel)
			} else {
				index[key] = len(*groups)
				*groups = append(*groups, fieldGroup{key: key, fields: []*ast.Field{sel}})
			}
		case *ast.FragmentSpread:
			if !e.shouldInclude(sel.Directives) || visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			fragment := sel.Definition
			if fragment == nil {
				fragment = e.fragments.ForName(sel.Name)
			}
			if fragment == nil || !e.fragmentApplies(objectDef, fragment.TypeCondition) {
				continue
			}
			e.collectFieldsInto(objectDef, fragment.SelectionSet, visited, groups, index)
		case *ast.InlineFragment:
			if !e.shouldInclude(sel.Directives) {
				continue
			}
			if sel.TypeCondition != "" && !e.fragmentApplies(objectDef, sel.TypeCondition) {
				continue
			}
			e.collectFieldsInto(objectDef, sel.SelectionSet, visited, groups, index)
		}
	}
}

func (e *executor) shouldInclude(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if v, _ := d.ArgumentMap(e.variables)["if"].(bool); v {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if v, _ := d.ArgumentMap(e.variables)["if"].(bool); !v {
			return false
		}
	}
	return true
}

func (e *executor) fragmentApplies(objectDef *ast.Definition, condition string) bool {
	if condition == objectDef.Name {
		return true
	}
	for _, t := range e.schema.PossibleTypes[condition] {
		if t.Name == objectDef.Name {
			return true
		}
	}
	return false
}

func mergeSelectionSets(fields []*ast.Field) ast.SelectionSet {
	var sels ast.SelectionSet
	for _, field := range fields {
		sels = append(sels, field.SelectionSet...)
	}
	return sels
}

func (e *executor) fieldError(fields []*ast.Field, path ast.Path, original error, format string, args ...interface{}) *gqlerror.Error {
	err := &gqlerror.Error{
		Err:     original,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	}
	for _, f := range fields {
		if f.Position != nil {
			err.Locations = append(err.Locations, gqlerror.Location{
				Line:   f.Position.Line,
				Column: f.Position.Column,
			})
		}
	}
	return err
}

func pathWithName(p ast.Path, name string) ast.Path {
	return pathAppend(p, ast.PathName(name))
}

func pathWithIndex(p ast.Path, index int) ast.Path {
	return pathAppend(p, ast.PathIndex(index))
}

func pathAppend(p ast.Path, elem ast.PathElement) ast.Path {
	ret := make(ast.Path, len(p)+1)
	copy(ret, p)
	ret[len(p)] = elem
	return ret
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface) && rv.IsNil()
}
