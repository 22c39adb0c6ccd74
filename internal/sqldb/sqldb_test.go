package sqldb

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func openSeeded(t *testing.T) *SQLiteSource {
	t.Helper()
	src, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	if err := SeedHR(context.Background(), src.DB()); err != nil {
		t.Fatalf("SeedHR: %v", err)
	}
	return src
}

func TestIntrospect_HRSchema(t *testing.T) {
	src := openSeeded(t)

	schema, err := src.Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}

	want := []string{"attendance", "departments", "employees", "leave_records", "performance_reviews"}
	if got := strings.Join(schema.TableNames(), ","); got != strings.Join(want, ",") {
		t.Fatalf("tables = %s, want %s", got, strings.Join(want, ","))
	}

	emp, ok := schema.Table("EMPLOYEES")
	if !ok {
		t.Fatal("Table(EMPLOYEES) not found")
	}
	if len(emp.PrimaryKey) != 1 || emp.PrimaryKey[0] != "employee_id" {
		t.Errorf("employees pk = %v", emp.PrimaryKey)
	}
	if emp.ColumnTypes()["salary"] != "REAL" {
		t.Errorf("salary type = %q", emp.ColumnTypes()["salary"])
	}

	leave, _ := schema.Table("leave_records")
	if len(leave.ForeignKeys) != 2 {
		t.Fatalf("leave_records fks = %+v", leave.ForeignKeys)
	}
	var found bool
	for _, fk := range leave.ForeignKeys {
		if fk.Columns[0] == "approved_by" && fk.RefTable == "employees" && fk.RefColumns[0] == "employee_id" {
			found = true
		}
	}
	if !found {
		t.Errorf("approved_by fk missing: %+v", leave.ForeignKeys)
	}

	desc := schema.Describe()
	for _, s := range []string{"Table employees (", "FOREIGN KEY (manager_id) REFERENCES employees(employee_id)", "PRIMARY KEY (leave_id)"} {
		if !strings.Contains(desc, s) {
			t.Errorf("Describe() missing %q", s)
		}
	}
}

func TestSeedHR_Idempotent(t *testing.T) {
	src := openSeeded(t)
	if err := SeedHR(context.Background(), src.DB()); err != nil {
		t.Fatalf("second SeedHR: %v", err)
	}
	res, err := src.Query(context.Background(), "SELECT COUNT(*) AS n FROM employees", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Rows[0]["n"] != int64(len(seedEmployees)) {
		t.Errorf("employees = %v, want %d", res.Rows[0]["n"], len(seedEmployees))
	}
}

func TestQuery_TruncatesAtMaxRows(t *testing.T) {
	src := openSeeded(t)

	res, err := src.Query(context.Background(), "SELECT first_name, department FROM employees ORDER BY employee_id", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.RowCount != 3 || !res.Truncated {
		t.Errorf("RowCount = %d truncated = %v, want 3 true", res.RowCount, res.Truncated)
	}
	if res.Columns[0] != "first_name" || res.Rows[0]["first_name"] != "Priya" {
		t.Errorf("first row = %v", res.Rows[0])
	}

	all, err := src.Query(context.Background(), "SELECT department_name FROM departments", 100)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if all.Truncated || all.RowCount != 5 {
		t.Errorf("departments RowCount = %d truncated = %v", all.RowCount, all.Truncated)
	}
}

func TestQuery_EngineeringCount(t *testing.T) {
	src := openSeeded(t)
	res, err := src.Query(context.Background(), "SELECT COUNT(*) AS n FROM employees WHERE department = 'Engineering'", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Rows[0]["n"] != int64(5) {
		t.Errorf("engineering count = %v, want 5", res.Rows[0]["n"])
	}
}

func TestSampleRows(t *testing.T) {
	src := openSeeded(t)
	cache := NewSchemaCache(src)
	ctx := context.Background()

	res, err := SampleRows(ctx, cache, src, "departments", 0)
	if err != nil {
		t.Fatalf("SampleRows: %v", err)
	}
	if res.RowCount != 5 {
		t.Errorf("RowCount = %d, want 5", res.RowCount)
	}

	res, err = SampleRows(ctx, cache, src, "employees", 2)
	if err != nil {
		t.Fatalf("SampleRows: %v", err)
	}
	if res.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", res.RowCount)
	}

	_, err = SampleRows(ctx, cache, src, "employees; DROP TABLE employees", 5)
	if !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
}

type countingSource struct {
	Source
	gen        atomic.Uint64
	introspect atomic.Int32
}

func (c *countingSource) Generation() uint64 { return c.gen.Load() }

func (c *countingSource) Introspect(ctx context.Context) (*Schema, error) {
	c.introspect.Add(1)
	return c.Source.Introspect(ctx)
}

func TestSchemaCache_RefreshOnGenerationChange(t *testing.T) {
	src := &countingSource{Source: openSeeded(t)}
	src.gen.Store(1)
	cache := NewSchemaCache(src)
	ctx := context.Background()

	if _, err := cache.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := src.introspect.Load(); n != 1 {
		t.Fatalf("introspections = %d, want 1", n)
	}

	src.gen.Store(2)
	if _, err := cache.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := src.introspect.Load(); n != 2 {
		t.Errorf("introspections after reconnect = %d, want 2", n)
	}

	if _, err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n := src.introspect.Load(); n != 3 {
		t.Errorf("introspections after refresh = %d, want 3", n)
	}
}

func TestSchemaCache_StaleUntilRefresh(t *testing.T) {
	src := openSeeded(t)
	cache := NewSchemaCache(src)
	ctx := context.Background()

	if _, err := cache.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := src.DB().Exec(`CREATE TABLE projects (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	schema, _ := cache.Get(ctx)
	if _, ok := schema.Table("projects"); ok {
		t.Error("new table visible before refresh")
	}
	schema, _ = cache.Refresh(ctx)
	if _, ok := schema.Table("projects"); !ok {
		t.Error("new table not visible after refresh")
	}
}

func TestOpen_Dispatch(t *testing.T) {
	if _, err := Open(context.Background(), "  "); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Open(empty) err = %v, want ErrNotConfigured", err)
	}
	src, err := Open(context.Background(), "sqlite://:memory:")
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer src.Close()
	if src.Dialect() != "sqlite" {
		t.Errorf("Dialect = %q", src.Dialect())
	}
}
