package sqldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource is a relational source backed by a pgx pool. Queries run
// inside read-only transactions.
//
// The generation advances when the pool connects again after a call failed
// with a lost connection. Ordinary pool growth keeps the generation.
type PostgresSource struct {
	pool       *pgxpool.Pool
	generation atomic.Uint64
	lost       atomic.Bool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	s := &PostgresSource{}
	cfg.AfterConnect = s.afterConnect

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s.pool = pool
	return s, nil
}

func (s *PostgresSource) Dialect() string { return "postgres" }

func (s *PostgresSource) Generation() uint64 { return s.generation.Load() }

func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.noteErr(s.pool.Ping(ctx))
}

func (s *PostgresSource) afterConnect(context.Context, *pgx.Conn) error {
	if s.lost.CompareAndSwap(true, false) {
		s.generation.Add(1)
	}
	return nil
}

// noteErr marks the connection as lost when err says so, and returns err.
func (s *PostgresSource) noteErr(err error) error {
	if isConnectionLoss(err) {
		s.lost.Store(true)
	}
	return err
}

// isConnectionLoss reports whether err means the server went away, as
// opposed to a failed statement or a cancelled call.
func isConnectionLoss(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exception, 57P01..57P03 server shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	return errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSource) Introspect(ctx context.Context) (*Schema, error) {
	schema, err := s.introspect(ctx)
	return schema, s.noteErr(err)
}

func (s *PostgresSource) introspect(ctx context.Context) (*Schema, error) {
	tables := map[string]*Table{}
	schema := &Schema{Dialect: s.Dialect()}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name IN (SELECT table_name FROM information_schema.tables
		                     WHERE table_schema = current_schema() AND table_type = 'BASE TABLE')
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}
	for rows.Next() {
		var table, col, typ, nullable string
		if err := rows.Scan(&table, &col, &typ, &nullable); err != nil {
			rows.Close()
			return nil, err
		}
		t, ok := tables[table]
		if !ok {
			t = &Table{Name: table}
			tables[table] = t
		}
		t.Columns = append(t.Columns, Column{Name: col, Type: typ, Nullable: nullable == "YES"})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema()
		ORDER BY kcu.table_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("listing primary keys: %w", err)
	}
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			rows.Close()
			return nil, err
		}
		if t, ok := tables[table]; ok {
			t.PrimaryKey = append(t.PrimaryKey, col)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT tc.constraint_name, kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema()
		ORDER BY tc.constraint_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("listing foreign keys: %w", err)
	}
	defer rows.Close()

	type fkKey struct{ table, name string }
	fks := map[fkKey]*ForeignKey{}
	var order []fkKey
	for rows.Next() {
		var name, table, col, refTable, refCol string
		if err := rows.Scan(&name, &table, &col, &refTable, &refCol); err != nil {
			return nil, err
		}
		k := fkKey{table, name}
		fk, ok := fks[k]
		if !ok {
			fk = &ForeignKey{RefTable: refTable}
			fks[k] = fk
			order = append(order, k)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range order {
		if t, ok := tables[k.table]; ok {
			t.ForeignKeys = append(t.ForeignKeys, *fks[k])
		}
	}

	for _, t := range tables {
		schema.Tables = append(schema.Tables, *t)
	}
	schema.sortTables()
	return schema, nil
}

func (s *PostgresSource) Query(ctx context.Context, stmt string, maxRows int) (*Result, error) {
	res, err := s.query(ctx, stmt, maxRows)
	return res, s.noteErr(err)
}

func (s *PostgresSource) query(ctx context.Context, stmt string, maxRows int) (*Result, error) {
	start := time.Now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	res := &Result{Statement: stmt, Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizePgValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	res.Duration = time.Since(start)
	return res, nil
}

func normalizePgValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return normalizeValue(v)
	}
}
