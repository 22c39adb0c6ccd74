package sqldb

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is the normalized description of a relational source. It is
// rebuilt on refresh and treated as read-only afterwards.
type Schema struct {
	Dialect string  `json:"dialect"`
	Tables  []Table `json:"tables"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ForeignKey is an edge from Columns of the owning table to RefColumns of RefTable.
type ForeignKey struct {
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

func (s *Schema) sortTables() {
	sort.Slice(s.Tables, func(i, j int) bool { return s.Tables[i].Name < s.Tables[j].Name })
}

// TableNames returns table names in sorted order.
func (s *Schema) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Table looks a table up by name, case-insensitively.
func (s *Schema) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

// ColumnTypes returns column name -> declared type for one table.
func (t Table) ColumnTypes() map[string]string {
	m := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		m[c.Name] = c.Type
	}
	return m
}

// Describe renders the schema as compact DDL-like text for prompting.
func (s *Schema) Describe() string {
	if s == nil || len(s.Tables) == 0 {
		return "(no tables)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dialect: %s\n", s.Dialect)
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "\nTable %s (\n", t.Name)
		for i, c := range t.Columns {
			fmt.Fprintf(&b, "  %s %s", c.Name, c.Type)
			if !c.Nullable {
				b.WriteString(" NOT NULL")
			}
			if i < len(t.Columns)-1 || len(t.PrimaryKey) > 0 || len(t.ForeignKeys) > 0 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		if len(t.PrimaryKey) > 0 {
			fmt.Fprintf(&b, "  PRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", "))
			if len(t.ForeignKeys) > 0 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		for i, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "  FOREIGN KEY (%s) REFERENCES %s(%s)",
				strings.Join(fk.Columns, ", "), fk.RefTable, strings.Join(fk.RefColumns, ", "))
			if i < len(t.ForeignKeys)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(")\n")
	}
	return b.String()
}
