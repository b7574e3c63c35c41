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

package inspector

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatInspectionAsText renders an inspection for terminal output.
func FormatInspectionAsText(in *Inspection) string {
	if in == nil || in.Schema == nil {
		return "No schema found.\n"
	}
	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintf("--- Table: %s ---\n", in.Table))
	if in.Schema.RowEstimate > 0 {
		buffer.WriteString(fmt.Sprintf("  Rows (estimate): %s\n", humanize.Comma(in.Schema.RowEstimate)))
	}
	for _, c := range in.Schema.Columns {
		var flags []string
		if !c.Nullable {
			flags = append(flags, "not null")
		}
		if c.PrimaryKey {
			flags = append(flags, "primary key")
		}
		line := fmt.Sprintf("  Column: %s (%s", c.Name, c.DataType)
		if len(flags) > 0 {
			line += ", " + strings.Join(flags, ", ")
		}
		buffer.WriteString(line + ")\n")
	}
	for _, fk := range in.Schema.ForeignKeys() {
		buffer.WriteString(fmt.Sprintf("  Foreign key: (%s) -> %s(%s)\n",
			strings.Join(fk.Columns, ", "), fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", ")))
	}

	p := in.Partitions
	if p == nil || !p.IsPartitioned {
		buffer.WriteString("  Partitioning: none\n")
		return buffer.String()
	}
	buffer.WriteString(fmt.Sprintf("  Partitioning: %s", p.Type))
	if p.Column != "" {
		buffer.WriteString(" on " + p.Column)
	}
	buffer.WriteString(fmt.Sprintf(" (%d partitions)\n", len(p.AvailablePartitions)))
	if len(p.ClusteringFields) > 0 {
		buffer.WriteString(fmt.Sprintf("  Clustering: %s\n", strings.Join(p.ClusteringFields, ", ")))
	}
	for _, part := range p.AvailablePartitions {
		buffer.WriteString(fmt.Sprintf("    %s: %s rows, %s\n", part.ID,
			humanize.Comma(part.RowCount), humanize.IBytes(uint64(max(part.LogicalBytes, 0)))))
	}
	return buffer.String()
}
