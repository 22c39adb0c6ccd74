package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSource is a relational source backed by a SQLite file.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens the database at path. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite source: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite source: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// DB exposes the handle for seeding.
func (s *SQLiteSource) DB() *sql.DB { return s.db }

func (s *SQLiteSource) Dialect() string { return "sqlite" }

// Generation is constant: database/sql reconnects transparently and a
// SQLite file's schema does not depend on the connection.
func (s *SQLiteSource) Generation() uint64 { return 1 }

func (s *SQLiteSource) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteSource) Close() error { return s.db.Close() }

func (s *SQLiteSource) Introspect(ctx context.Context) (*Schema, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	schema := &Schema{Dialect: s.Dialect()}
	for _, name := range names {
		t, err := s.introspectTable(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("introspecting %s: %w", name, err)
		}
		schema.Tables = append(schema.Tables, t)
	}
	schema.sortTables()
	return schema, nil
}

func (s *SQLiteSource) introspectTable(ctx context.Context, name string) (Table, error) {
	t := Table{Name: name}

	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(name)+")")
	if err != nil {
		return Table{}, err
	}
	type pkCol struct {
		pos  int
		name string
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return Table{}, err
		}
		t.Columns = append(t.Columns, Column{Name: col, Type: typ, Nullable: notNull == 0 && pk == 0})
		if pk > 0 {
			pks = append(pks, pkCol{pos: pk, name: col})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Table{}, err
	}
	t.PrimaryKey = make([]string, len(pks))
	for _, p := range pks {
		t.PrimaryKey[p.pos-1] = p.name
	}

	fkRows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoteIdent(name)+")")
	if err != nil {
		return Table{}, err
	}
	defer fkRows.Close()

	byID := map[int]*ForeignKey{}
	var order []int
	for fkRows.Next() {
		var (
			id, seq                   int
			refTable, from            string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return Table{}, err
		}
		fk, ok := byID[id]
		if !ok {
			fk = &ForeignKey{RefTable: refTable}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := fkRows.Err(); err != nil {
		return Table{}, err
	}
	// foreign_key_list reports constraints in reverse declaration order.
	for i := len(order) - 1; i >= 0; i-- {
		t.ForeignKeys = append(t.ForeignKeys, *byID[order[i]])
	}
	return t, nil
}

func (s *SQLiteSource) Query(ctx context.Context, stmt string, maxRows int) (*Result, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Statement: stmt, Columns: cols, Rows: []map[string]any{}}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	res.Duration = time.Since(start)
	return res, nil
}
