package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned when no relational source is configured.
	ErrNotConfigured = errors.New("database not configured")

	// ErrUnknownTable is returned for table names missing from the schema.
	ErrUnknownTable = errors.New("unknown table")
)

// Source is a relational data source accessed read-only.
type Source interface {
	Dialect() string
	Introspect(ctx context.Context) (*Schema, error)

	// Query executes stmt and materializes at most maxRows rows.
	Query(ctx context.Context, stmt string, maxRows int) (*Result, error)

	Ping(ctx context.Context) error

	// Generation changes every time the underlying connection is
	// (re)established; schema caches compare it to detect staleness.
	Generation() uint64

	Close() error
}

// Result is a fully materialized, row-capped query result.
type Result struct {
	Statement string           `json:"statement"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"duration_ns"`
}

// Column returns the values of one column in row order.
func (r *Result) Column(name string) []any {
	out := make([]any, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row[name]
	}
	return out
}

// Open connects to the source described by url. postgres:// and
// postgresql:// URLs use a pgx pool; sqlite:// URLs, file: URIs and bare
// paths use SQLite.
func Open(ctx context.Context, url string) (Source, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return nil, ErrNotConfigured
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
	default:
		return OpenSQLite(url)
	}
}

// normalizeValue converts driver values into JSON-friendly scalars.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	default:
		return v
	}
}
