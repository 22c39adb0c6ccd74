package sqldb

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SchemaCache holds the last introspected schema of a Source. Get returns
// the cached copy until the source reports a new connection generation;
// Refresh forces re-introspection. Concurrent refreshes share one call.
type SchemaCache struct {
	src   Source
	group singleflight.Group

	mu         sync.RWMutex
	schema     *Schema
	generation uint64
}

func NewSchemaCache(src Source) *SchemaCache {
	return &SchemaCache{src: src}
}

func (c *SchemaCache) Get(ctx context.Context) (*Schema, error) {
	c.mu.RLock()
	schema, gen := c.schema, c.generation
	c.mu.RUnlock()

	if schema != nil && gen == c.src.Generation() {
		return schema, nil
	}
	return c.Refresh(ctx)
}

func (c *SchemaCache) Refresh(ctx context.Context) (*Schema, error) {
	v, err, _ := c.group.Do("schema", func() (any, error) {
		gen := c.src.Generation()
		schema, err := c.src.Introspect(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.schema = schema
		c.generation = gen
		c.mu.Unlock()
		slog.Info("schema refreshed", "dialect", schema.Dialect, "tables", len(schema.Tables))
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

// Cached returns the last schema without touching the source. It may be nil.
func (c *SchemaCache) Cached() *Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schema
}
