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
package enricher

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/classifier"
)

const (
	promptValuesPerColumn = 5
	promptMaxValueLen     = 80
)

// buildPrompt renders the shared table context followed by the section task.
func buildPrompt(in *SectionInput, task string) string {
	var sb strings.Builder
	sb.WriteString("You are documenting a database table for analysts.\n\n")
	fmt.Fprintf(&sb, "********** Table **********\n%s\n", in.Table)
	if in.Schema != nil && in.Schema.RowEstimate > 0 {
		fmt.Fprintf(&sb, "Approximate rows: %s\n", humanize.Comma(in.Schema.RowEstimate))
	}

	if p := in.Partitions; p != nil && p.IsPartitioned {
		fmt.Fprintf(&sb, "Partitioning: %s", p.Type)
		if p.Column != "" {
			fmt.Fprintf(&sb, " on %s", p.Column)
		}
		fmt.Fprintf(&sb, " (%d partitions)\n", len(p.AvailablePartitions))
		if len(p.ClusteringFields) > 0 {
			fmt.Fprintf(&sb, "Clustered by: %s\n", strings.Join(p.ClusteringFields, ", "))
		}
	}

	descriptions := map[string]string{}
	if in.Definitions != nil {
		if in.Definitions.TableDescription != "" {
			fmt.Fprintf(&sb, "Description: %s\n", in.Definitions.TableDescription)
		}
		for _, c := range in.Definitions.Columns {
			descriptions[c.Name] = c.Description
		}
	}

	sb.WriteString("\n********** Columns **********\n")
	for _, p := range in.Profiles {
		fmt.Fprintf(&sb, "- %s (%s", p.Name, p.InferredType)
		if !p.Nullable {
			sb.WriteString(", not null")
		}
		if p.PrimaryKey {
			sb.WriteString(", primary key")
		}
		sb.WriteString(")")
		if d := descriptions[p.Name]; d != "" {
			fmt.Fprintf(&sb, ": %s", d)
		}
		if vals := promptValues(p.SampleValues); len(vals) > 0 {
			fmt.Fprintf(&sb, "\n  sample values: %s", strings.Join(vals, ", "))
		}
		sb.WriteString("\n")
	}

	if in.Schema != nil {
		if fks := in.Schema.ForeignKeys(); len(fks) > 0 {
			sb.WriteString("\n********** Declared foreign keys **********\n")
			for _, fk := range fks {
				fmt.Fprintf(&sb, "- (%s) -> %s(%s)\n", strings.Join(fk.Columns, ", "), fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", "))
			}
		}
	}

	if extra := strings.TrimSpace(in.Config.CustomPrompt); extra != "" {
		fmt.Fprintf(&sb, "\n********** Additional context **********\n%s\n", extra)
	}

	fmt.Fprintf(&sb, "\n********** Task **********\n%s\n", strings.TrimSpace(task))
	return sb.String()
}

func promptValues(values []any) []string {
	var out []string
	for _, v := range values {
		s, ok := classifier.Stringify(v)
		if !ok {
			continue
		}
		if r := []rune(s); len(r) > promptMaxValueLen {
			s = string(r[:promptMaxValueLen]) + "..."
		}
		out = append(out, fmt.Sprintf("%q", s))
		if len(out) == promptValuesPerColumn {
			break
		}
	}
	return out
}
