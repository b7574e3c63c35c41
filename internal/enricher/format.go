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
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatDocumentAsText renders a document for terminal output.
func FormatDocumentAsText(doc *MetadataDocument) string {
	if doc == nil {
		return "No metadata generated.\n"
	}
	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintf("--- Table: %s ---\n", doc.Table))
	buffer.WriteString(fmt.Sprintf("  Generated: %s", doc.GeneratedAt.Format("2006-01-02 15:04:05 MST")))
	if doc.Model != "" {
		buffer.WriteString(fmt.Sprintf(" (model %s)", doc.Model))
	}
	buffer.WriteString("\n")
	buffer.WriteString(fmt.Sprintf("  Sample: %d rows via %s, %s scanned",
		doc.Sample.Rows, doc.Sample.Strategy, humanize.IBytes(uint64(max(doc.Sample.BytesProcessed, 0)))))
	if len(doc.Sample.PartitionsUsed) > 0 {
		buffer.WriteString(fmt.Sprintf(", partitions %s", strings.Join(doc.Sample.PartitionsUsed, ", ")))
	}
	if doc.Sample.Warning {
		buffer.WriteString(" [cost warning]")
	}
	buffer.WriteString("\n")

	if defs, ok := doc.Sections[SectionColumnDefinitions].(*ColumnDefinitions); ok {
		if defs.TableDescription != "" {
			buffer.WriteString(fmt.Sprintf("  [Table]: %s\n", defs.TableDescription))
		}
		for _, c := range defs.Columns {
			buffer.WriteString(fmt.Sprintf("  Column: %s (%s)\n", c.Name, c.DataType))
			if c.Description != "" {
				buffer.WriteString(fmt.Sprintf("  Description: %s\n", strings.TrimSpace(c.Description)))
			}
		}
	}

	for _, sec := range doc.SectionsIncluded {
		if sec == SectionColumnDefinitions {
			continue
		}
		buffer.WriteString(fmt.Sprintf("\n  [%s]\n", sec))
		for _, line := range sectionLines(doc.Sections[sec]) {
			buffer.WriteString("    - " + line + "\n")
		}
	}

	if len(doc.SectionErrors) > 0 {
		failed := make([]string, 0, len(doc.SectionErrors))
		for sec := range doc.SectionErrors {
			failed = append(failed, string(sec))
		}
		sort.Strings(failed)
		buffer.WriteString("\n  Failed sections:\n")
		for _, sec := range failed {
			buffer.WriteString(fmt.Sprintf("    - %s: %s\n", sec, doc.SectionErrors[Section(sec)]))
		}
	}
	return buffer.String()
}

func sectionLines(payload any) []string {
	var lines []string
	switch p := payload.(type) {
	case *DataQuality:
		lines = append(lines, fmt.Sprintf("%d rows sampled", p.RowsSampled))
		lines = append(lines, p.Issues...)
	case *Relationships:
		for _, r := range p.Relationships {
			lines = append(lines, fmt.Sprintf("(%s) -> %s(%s) [%s]", strings.Join(r.Columns, ", "), r.ReferencedTable, strings.Join(r.ReferencedColumns, ", "), r.Source))
		}
	case *AggregationRules:
		for _, r := range p.Rules {
			lines = append(lines, fmt.Sprintf("%s: %s", r.Column, strings.Join(r.Aggregations, ", ")))
		}
	case *QueryRules:
		for _, r := range p.Rules {
			lines = append(lines, r.Rule)
		}
	case *QueryExamples:
		for _, e := range p.Examples {
			lines = append(lines, fmt.Sprintf("%s\n      %s", e.Question, strings.ReplaceAll(strings.TrimSpace(e.SQL), "\n", "\n      ")))
		}
	case *BusinessRules:
		for _, r := range p.Rules {
			lines = append(lines, r.Rule)
		}
	case CategoricalDefinitions:
		cols := make([]string, 0, len(p))
		for c := range p {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			values := make([]string, 0, len(p[c]))
			for v := range p[c] {
				values = append(values, v)
			}
			sort.Strings(values)
			for _, v := range values {
				lines = append(lines, fmt.Sprintf("%s = %q: %s", c, v, p[c][v]))
			}
		}
	case *AdditionalInsights:
		lines = append(lines, p.Insights...)
	}
	return lines
}
