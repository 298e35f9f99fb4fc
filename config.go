package graphload

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/graphload/graphload/executor"
)

// Config defines the schema and other parameters for an App.
type Config struct {
	Logger logrus.FieldLogger

	// Schema is the API's schema, in GraphQL SDL.
	Schema string

	// Resolvers provides field resolvers by type name and field name. Fields without a
	// resolver (and without a loader) resolve by property access on the parent object.
	Resolvers map[string]map[string]executor.Resolver

	// TypeResolvers determine the concrete object type name for values of interface or
	// union types.
	TypeResolvers map[string]func(value interface{}) string

	// Loaders declares batched field resolution by type name and field name. Additional
	// declarations can be merged in later with App.DefineLoaders.
	Loaders map[string]map[string]Loader

	// QueryCacheSize bounds the cache of parsed and validated query documents. Zero
	// disables the cache. Negative values are a configuration error.
	QueryCacheSize int

	// JITThreshold is the number of times a query must be executed before its execution
	// plan is cached and reused without re-validation. Zero disables plan caching.
	// Negative values are a configuration error.
	JITThreshold int

	// PersistedQueries seeds the persisted query set with sha256-hex to query mappings.
	PersistedQueries map[string]string

	// If given, Apollo persisted queries are supported by the App:
	// https://www.apollographql.com/docs/react/api/link/persisted-queries/
	PersistedQueryStorage PersistedQueryStorage

	// OnlyPersisted rejects any query that didn't arrive via the persisted query
	// extension. Requires a nonempty persisted query set.
	OnlyPersisted bool
}

func (cfg *Config) validate() error {
	if cfg.Schema == "" {
		return errors.New("a schema is required")
	}
	if cfg.QueryCacheSize < 0 {
		return errors.Errorf("invalid query cache size: %v", cfg.QueryCacheSize)
	}
	if cfg.JITThreshold < 0 {
		return errors.Errorf("invalid jit threshold: %v", cfg.JITThreshold)
	}
	if cfg.OnlyPersisted && len(cfg.PersistedQueries) == 0 && cfg.PersistedQueryStorage == nil {
		return errors.New("only-persisted mode requires persisted queries")
	}
	return nil
}

func (cfg *Config) graphqlSchema() (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{
		Name:  "schema.graphql",
		Input: cfg.Schema,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error building schema")
	}
	return schema, nil
}

// validateResolvers checks resolver declarations against the schema.
func validateResolvers(schema *ast.Schema, resolvers map[string]map[string]executor.Resolver) error {
	for typeName, fields := range resolvers {
		def := schema.Types[typeName]
		if def == nil || def.Kind != ast.Object {
			return errors.Errorf("resolver declared for undefined object type %v", typeName)
		}
		for fieldName := range fields {
			if def.Fields.ForName(fieldName) == nil {
				return errors.Errorf("resolver declared for undefined field %v.%v", typeName, fieldName)
			}
		}
	}
	return nil
}

func (cfg *Config) persistedQueryStorage() (PersistedQueryStorage, error) {
	if cfg.PersistedQueryStorage != nil {
		if len(cfg.PersistedQueries) > 0 {
			return nil, errors.New("specify either PersistedQueries or PersistedQueryStorage, not both")
		}
		return cfg.PersistedQueryStorage, nil
	}
	if len(cfg.PersistedQueries) == 0 {
		return nil, nil
	}
	storage := NewMemoryPersistedQueryStorage()
	for hash, query := range cfg.PersistedQueries {
		if err := storage.seed(hash, query); err != nil {
			return nil, err
		}
	}
	return storage, nil
}
