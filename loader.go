package graphload

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vmihailenco/msgpack/v5"
)

// LoaderEntry is one pending resolution handed to a batch function: the parent object the
// field is being resolved on, along with the field's arguments.
type LoaderEntry struct {
	Object    interface{}
	Arguments map[string]interface{}
}

// LoaderResult is the outcome for a single entry of a batch.
type LoaderResult struct {
	Value interface{}
	Err   error
}

// BatchFunc resolves many pending requests for one field in a single call. It must return
// one result per entry, in the same order as the entries. Returning an error (or the wrong
// number of results) fails every entry in the batch individually.
type BatchFunc func(ctx context.Context, entries []LoaderEntry) ([]LoaderResult, error)

// KeyFunc derives the deduplication key for a pending request. Requests with equal keys
// within one operation are merged: the batch function sees the key once and every request
// observes the same result.
type KeyFunc func(object interface{}, arguments map[string]interface{}) (string, error)

// Loader declares batched resolution for a single field. Instead of resolving the field
// once per parent object, all resolutions issued during one synchronous pass are collected
// and handed to Batch in a single call.
type Loader struct {
	Batch BatchFunc

	// DisableCache turns off per-operation deduplication and memoization for this loader.
	// When set, the batch function receives one entry per request, duplicates included, in
	// registration order.
	DisableCache bool

	// Key overrides the deduplication key derivation. By default keys are derived from the
	// structural value of the parent object and arguments, so two distinct instances with
	// equal contents are the same request. Reference identity is never used.
	Key KeyFunc
}

func (l *Loader) key(object interface{}, arguments map[string]interface{}) (string, error) {
	if l.Key != nil {
		return l.Key(object, arguments)
	}
	return structuralKey(object, arguments)
}

// structuralKey encodes the object and arguments into a canonical binary form so that
// structurally equal values produce equal keys. Map keys are sorted to make the encoding
// deterministic.
func structuralKey(object interface{}, arguments map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(object); err != nil {
		return "", errors.Wrap(err, "error encoding loader key object")
	}
	if err := enc.Encode(arguments); err != nil {
		return "", errors.Wrap(err, "error encoding loader key arguments")
	}
	return buf.String(), nil
}

// loaderKey identifies a loader declaration within the registry.
type loaderKey struct {
	Type  string
	Field string
}

func (k loaderKey) String() string {
	return k.Type + "." + k.Field
}

// validateLoaders checks declarations against the schema. Referencing a type or field the
// schema doesn't define is an error.
func validateLoaders(schema *ast.Schema, loaders map[string]map[string]Loader) error {
	for typeName, fields := range loaders {
		def := schema.Types[typeName]
		if def == nil || def.Kind != ast.Object {
			return errors.Errorf("loader declared for undefined object type %v", typeName)
		}
		for fieldName, loader := range fields {
			if def.Fields.ForName(fieldName) == nil {
				return errors.Errorf("loader declared for undefined field %v.%v", typeName, fieldName)
			}
			if loader.Batch == nil {
				return errors.Errorf("loader for %v.%v has no batch function", typeName, fieldName)
			}
		}
	}
	return nil
}

// mergeLoaders produces a new table with the given declarations installed, replacing any
// previous declarations for the same (type, field). The input tables are not modified, so
// snapshots held by in-flight operations are unaffected.
func mergeLoaders(table, additions map[string]map[string]Loader) map[string]map[string]Loader {
	merged := make(map[string]map[string]Loader, len(table)+len(additions))
	for typeName, fields := range table {
		copied := make(map[string]Loader, len(fields))
		for name, l := range fields {
			copied[name] = l
		}
		merged[typeName] = copied
	}
	for typeName, fields := range additions {
		copied := merged[typeName]
		if copied == nil {
			copied = make(map[string]Loader, len(fields))
			merged[typeName] = copied
		}
		for name, l := range fields {
			copied[name] = l
		}
	}
	return merged
}
