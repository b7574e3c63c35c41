package database

import (
	"fmt"
	"strings"
)

// TableIdentity is the immutable key of a table. Equality is case-sensitive.
type TableIdentity struct {
	Database string `json:"database" yaml:"database"`
	Schema   string `json:"schema" yaml:"schema"`
	Table    string `json:"table" yaml:"table"`
}

func (t TableIdentity) String() string {
	var parts []string
	for _, p := range []string{t.Database, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// ParseTableIdentity accepts "table", "schema.table" or "database.schema.table".
func ParseTableIdentity(s string) (TableIdentity, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for _, p := range parts {
		if p == "" {
			return TableIdentity{}, fmt.Errorf("invalid table identifier %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return TableIdentity{Table: parts[0]}, nil
	case 2:
		return TableIdentity{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableIdentity{Database: parts[0], Schema: parts[1], Table: parts[2]}, nil
	}
	return TableIdentity{}, fmt.Errorf("invalid table identifier %q", s)
}

// Column holds basic information about a database column.
type Column struct {
	Name       string `json:"name" yaml:"name"`
	DataType   string `json:"data_type" yaml:"data_type"`
	Nullable   bool   `json:"nullable" yaml:"nullable"`
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Ordinal    int    `json:"ordinal" yaml:"ordinal"`
}

type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "PRIMARY KEY"
	ConstraintUnique     ConstraintKind = "UNIQUE"
	ConstraintForeignKey ConstraintKind = "FOREIGN KEY"
)

type Constraint struct {
	Name              string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind              ConstraintKind `json:"kind" yaml:"kind"`
	Columns           []string       `json:"columns" yaml:"columns"`
	ReferencedTable   string         `json:"referenced_table,omitempty" yaml:"referenced_table,omitempty"`
	ReferencedColumns []string       `json:"referenced_columns,omitempty" yaml:"referenced_columns,omitempty"`
}

// TableSchema is the result of describing a table.
type TableSchema struct {
	Table       TableIdentity `json:"table" yaml:"table"`
	Columns     []Column      `json:"columns" yaml:"columns"`
	Constraints []Constraint  `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	// RowEstimate is the backend's row count statistic, 0 when unknown.
	RowEstimate int64 `json:"row_estimate" yaml:"row_estimate"`
}

// ForeignKeys returns the foreign key constraints in declaration order.
func (s *TableSchema) ForeignKeys() []Constraint {
	var fks []Constraint
	for _, c := range s.Constraints {
		if c.Kind == ConstraintForeignKey {
			fks = append(fks, c)
		}
	}
	return fks
}

// AddConstraintColumn appends column to the named constraint, creating it on
// first use. Catalog queries return one row per constraint column.
func (s *TableSchema) AddConstraintColumn(name string, kind ConstraintKind, column, refTable, refColumn string) {
	for i := range s.Constraints {
		c := &s.Constraints[i]
		if c.Name == name && c.Kind == kind {
			c.Columns = appendUnique(c.Columns, column)
			if refColumn != "" {
				c.ReferencedColumns = appendUnique(c.ReferencedColumns, refColumn)
			}
			return
		}
	}
	c := Constraint{Name: name, Kind: kind, Columns: []string{column}, ReferencedTable: refTable}
	if refColumn != "" {
		c.ReferencedColumns = []string{refColumn}
	}
	s.Constraints = append(s.Constraints, c)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// MarkPrimaryKeys sets Column.PrimaryKey from the primary key constraint.
func (s *TableSchema) MarkPrimaryKeys() {
	pk := make(map[string]bool)
	for _, c := range s.Constraints {
		if c.Kind == ConstraintPrimaryKey {
			for _, col := range c.Columns {
				pk[col] = true
			}
		}
	}
	for i := range s.Columns {
		s.Columns[i].PrimaryKey = pk[s.Columns[i].Name]
	}
}

type PartitionType string

const (
	PartitionNone    PartitionType = "NONE"
	PartitionHour    PartitionType = "HOUR"
	PartitionDay     PartitionType = "DAY"
	PartitionMonth   PartitionType = "MONTH"
	PartitionYear    PartitionType = "YEAR"
	PartitionInteger PartitionType = "INTEGER"
	PartitionRange   PartitionType = "RANGE"
	PartitionList    PartitionType = "LIST"
	PartitionHash    PartitionType = "HASH"
)

// Partition describes one physical partition of a table.
type Partition struct {
	ID           string `json:"partition_id" yaml:"partition_id"`
	RowCount     int64  `json:"row_count" yaml:"row_count"`
	LogicalBytes int64  `json:"logical_bytes" yaml:"logical_bytes"`
}

// PartitionInfo is produced once per run and never mutated afterwards.
type PartitionInfo struct {
	IsPartitioned       bool          `json:"is_partitioned" yaml:"is_partitioned"`
	Type                PartitionType `json:"partition_type" yaml:"partition_type"`
	Column              string        `json:"partition_column,omitempty" yaml:"partition_column,omitempty"`
	ColumnType          string        `json:"partition_column_type,omitempty" yaml:"partition_column_type,omitempty"`
	ClusteringFields    []string      `json:"clustering_fields,omitempty" yaml:"clustering_fields,omitempty"`
	AvailablePartitions []Partition   `json:"available_partitions,omitempty" yaml:"available_partitions,omitempty"`
	// IntegerInterval is the bucket width of integer range partitioning.
	IntegerInterval int64 `json:"integer_interval,omitempty" yaml:"integer_interval,omitempty"`
	// Function names the partition function on backends that address
	// partitions through one (SQL Server).
	Function string `json:"partition_function,omitempty" yaml:"partition_function,omitempty"`
}

// Unpartitioned is the PartitionInfo of a table without partitions.
func Unpartitioned() *PartitionInfo {
	return &PartitionInfo{Type: PartitionNone}
}

// Row is a single materialized result row keyed by column name.
type Row map[string]any
