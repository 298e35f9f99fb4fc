package graphload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// PersistedQueryStorage represents the storage backend for persisted queries. Storage
// operations are done on a best effort basis and cannot return errors – any errors that
// happen internally will not prevent the execution of a query (though it might force
// clients to make additional requests).
type PersistedQueryStorage interface {
	// GetPersistedQuery should return the query if it's available or an empty string
	// otherwise.
	GetPersistedQuery(ctx context.Context, hash []byte) string

	// PersistQuery should persist the query with the given hash.
	PersistQuery(ctx context.Context, query string, hash []byte)
}

// MemoryPersistedQueryStorage keeps persisted queries in memory. It is safe for concurrent
// use.
type MemoryPersistedQueryStorage struct {
	mu      sync.RWMutex
	queries map[string]string
}

func NewMemoryPersistedQueryStorage() *MemoryPersistedQueryStorage {
	return &MemoryPersistedQueryStorage{
		queries: map[string]string{},
	}
}

func (s *MemoryPersistedQueryStorage) GetPersistedQuery(ctx context.Context, hash []byte) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries[hex.EncodeToString(hash)]
}

func (s *MemoryPersistedQueryStorage) PersistQuery(ctx context.Context, query string, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[hex.EncodeToString(hash)] = query
}

func (s *MemoryPersistedQueryStorage) seed(hashHex, query string) error {
	hash, err := hex.DecodeString(hashHex)
	if err != nil || len(hash) != sha256.Size {
		return errors.Errorf("invalid persisted query hash: %v", hashHex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[hashHex] = query
	return nil
}

var emptyStringHash = sha256.Sum256([]byte(""))

// resolvePersistedQuery implements Apollo persisted queries:
// https://www.apollographql.com/docs/react/api/link/persisted-queries/
//
// If a response is returned, the request must not be executed.
func (app *App) resolvePersistedQuery(ctx context.Context, r *Request) (*Request, *Response) {
	if app.persisted == nil {
		return r, nil
	}
	req := *r
	fromHash := false
	ext, _ := req.Extensions["persistedQuery"].(map[string]interface{})
	switch ext["version"] {
	case 1, 1.0:
		if req.Query == "" {
			// errors parsing the hash can be ignored: hash will end up empty and we'll
			// error out due to not being able to find the query
			hashHex, _ := ext["sha256Hash"].(string)
			hash, _ := hex.DecodeString(hashHex)

			found := false
			if bytes.Equal(hash, emptyStringHash[:]) {
				// the query is found and the executor will error out on the empty string
				found = true
			} else if len(hash) == sha256.Size {
				if query := app.persisted.GetPersistedQuery(ctx, hash); query != "" {
					req.Query = query
					found = true
				}
			}
			if !found {
				return nil, &Response{
					Errors: gqlerror.List{gqlerror.Errorf("PersistedQueryNotFound")},
				}
			}
			fromHash = true
		} else if !app.config.OnlyPersisted {
			hash := sha256.Sum256([]byte(req.Query))
			app.persisted.PersistQuery(ctx, req.Query, hash[:])
		}
	}
	if app.config.OnlyPersisted && !fromHash {
		return nil, &Response{
			Errors: gqlerror.List{gqlerror.Errorf("Only persisted queries are allowed.")},
		}
	}
	return &req, nil
}
