package sqldb

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultSampleLimit = 5
	maxSampleLimit     = 100
)

// SchemaGetter supplies the current schema; *SchemaCache implements it.
type SchemaGetter interface {
	Get(ctx context.Context) (*Schema, error)
}

// SampleRows returns the first rows of a table known to the schema. The
// table name is resolved against the schema and quoted, never interpolated
// from user input as is.
func SampleRows(ctx context.Context, cache SchemaGetter, src Source, table string, limit int) (*Result, error) {
	schema, err := cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	t, ok := schema.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	if limit > maxSampleLimit {
		limit = maxSampleLimit
	}
	stmt := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(t.Name), limit)
	return src.Query(ctx, stmt, limit)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
