/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package bigquery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// Dialect builds GoogleSQL for the sampler.
type Dialect struct {
	DefaultProject string
}

var _ database.Dialect = Dialect{}

var partitionLayouts = map[database.PartitionType]string{
	database.PartitionHour:  "2006010215",
	database.PartitionDay:   "20060102",
	database.PartitionMonth: "200601",
	database.PartitionYear:  "2006",
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func (d Dialect) Name() string { return "bigquery" }

func (d Dialect) QuoteIdentifier(name string) string { return quoteIdentifier(name) }

func (d Dialect) QualifiedTable(t database.TableIdentity) string {
	project := t.Database
	if project == "" {
		project = d.DefaultProject
	}
	var parts []string
	for _, p := range []string{project, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return quoteIdentifier(strings.Join(parts, "."))
}

func (d Dialect) SupportsNativeSampling() bool { return true }

func (d Dialect) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (%s PERCENT) LIMIT %d",
		d.QualifiedTable(t), database.FormatPercent(percent), limit)
}

func (d Dialect) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", d.QualifiedTable(t), limit)
}

// PartitionQuery restricts the scan to one partition with a range predicate
// on the partitioning column, or on _PARTITIONTIME for ingestion-time tables.
func (d Dialect) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	predicate, err := PartitionPredicate(info, p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT %d", d.QualifiedTable(t), predicate, limit), nil
}

// PartitionPredicate returns the filter selecting exactly partition p.
func PartitionPredicate(info *database.PartitionInfo, p database.Partition) (string, error) {
	if info == nil || !info.IsPartitioned {
		return "", fmt.Errorf("table is not partitioned")
	}
	if p.ID == nullPartition || p.ID == unpartitionedPartition {
		return "", fmt.Errorf("partition %s cannot be addressed by range", p.ID)
	}

	if info.Type == database.PartitionInteger {
		start, err := strconv.ParseInt(p.ID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid integer partition id %q: %w", p.ID, err)
		}
		interval := info.IntegerInterval
		if interval <= 0 {
			interval = 1
		}
		col := quoteIdentifier(info.Column)
		return fmt.Sprintf("%s >= %d AND %s < %d", col, start, col, start+interval), nil
	}

	layout, ok := partitionLayouts[info.Type]
	if !ok {
		return "", fmt.Errorf("unsupported partition type %s", info.Type)
	}
	lower, err := time.Parse(layout, p.ID)
	if err != nil {
		return "", fmt.Errorf("invalid %s partition id %q: %w", info.Type, p.ID, err)
	}
	upper := nextBoundary(info.Type, lower)

	col := "_PARTITIONTIME"
	colType := "TIMESTAMP"
	if info.Column != "" {
		col = quoteIdentifier(info.Column)
		if info.ColumnType != "" {
			colType = strings.ToUpper(info.ColumnType)
		}
	}
	return fmt.Sprintf("%s >= %s AND %s < %s", col, timeLiteral(colType, lower), col, timeLiteral(colType, upper)), nil
}

func nextBoundary(pt database.PartitionType, t time.Time) time.Time {
	switch pt {
	case database.PartitionHour:
		return t.Add(time.Hour)
	case database.PartitionMonth:
		return t.AddDate(0, 1, 0)
	case database.PartitionYear:
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 0, 1)
}

func timeLiteral(colType string, t time.Time) string {
	switch colType {
	case "DATE":
		return fmt.Sprintf("DATE '%s'", t.Format("2006-01-02"))
	case "DATETIME":
		return fmt.Sprintf("DATETIME '%s'", t.Format("2006-01-02 15:04:05"))
	}
	return fmt.Sprintf("TIMESTAMP '%s'", t.Format("2006-01-02 15:04:05+00"))
}
