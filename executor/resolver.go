package executor

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// FieldContext holds the inputs to a field's resolver.
type FieldContext struct {
	// Context is the context the request was executed with.
	Context context.Context

	// Schema is the schema the request is being executed against.
	Schema *ast.Schema

	// Object is the value of the field's parent object, or the request's initial value for
	// root fields.
	Object interface{}

	// Arguments are the field's arguments, coerced to Go values.
	Arguments map[string]interface{}

	// Field is the field being resolved. If the field was selected multiple times in the
	// query, this is the first occurrence.
	Field *ast.Field
}

// Resolver resolves a single field of a single object. It may return a ResolvePromise to
// defer its result.
type Resolver func(ctx *FieldContext) (interface{}, error)

// ResolverTable maps type names to field names to resolvers. Fields without an entry are
// resolved by property access on the parent object (see defaultResolve).
type ResolverTable map[string]map[string]Resolver

// Lookup returns the resolver for the given type and field, or nil if none is registered.
func (t ResolverTable) Lookup(typeName, fieldName string) Resolver {
	if fields, ok := t[typeName]; ok {
		return fields[fieldName]
	}
	return nil
}

// defaultResolve resolves a field by looking up a property of the parent object: a map key
// for maps, or a field for structs. Struct fields match by json tag, exact name, or
// case-insensitive name, in that order.
func defaultResolve(object interface{}, name string) (interface{}, error) {
	if object == nil {
		return nil, nil
	}
	v := reflect.ValueOf(object)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot resolve field %v of map with %v keys", name, v.Type().Key())
		}
		value := v.MapIndex(reflect.ValueOf(name))
		if !value.IsValid() {
			return nil, nil
		}
		return value.Interface(), nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tagName, _, _ := strings.Cut(tag, ","); tagName == name {
					return v.Field(i).Interface(), nil
				}
			}
		}
		if f := v.FieldByName(name); f.IsValid() {
			return f.Interface(), nil
		}
		if f := v.FieldByNameFunc(func(s string) bool { return strings.EqualFold(s, name) }); f.IsValid() {
			return f.Interface(), nil
		}
		return nil, fmt.Errorf("type %v has no field named %v", t, name)
	}
	return nil, fmt.Errorf("cannot resolve field %v of %T", name, object)
}
