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
	"sort"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/classifier"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// ColumnProfile summarises one column of the sample.
type ColumnProfile struct {
	Name                  string `json:"name"`
	InferredType          string `json:"inferred_type"`
	Nullable              bool   `json:"nullable"`
	PrimaryKey            bool   `json:"primary_key,omitempty"`
	DistinctValueEstimate int    `json:"distinct_value_estimate"`
	NullCount             int    `json:"null_count"`
	EmptyCount            int    `json:"empty_count"`
	SampledRows           int    `json:"sampled_rows"`
	// SampleValues holds the distinct non-null values in first-seen order.
	SampleValues []any `json:"-"`
}

// BuildProfiles derives one profile per schema column from the sampled rows.
// Columns that appear only in the rows are appended after the schema columns.
func BuildProfiles(schema *database.TableSchema, rows []database.Row) []ColumnProfile {
	var profiles []ColumnProfile
	index := make(map[string]int)
	add := func(p ColumnProfile) {
		index[p.Name] = len(profiles)
		profiles = append(profiles, p)
	}
	if schema != nil {
		for _, c := range schema.Columns {
			add(ColumnProfile{Name: c.Name, InferredType: c.DataType, Nullable: c.Nullable, PrimaryKey: c.PrimaryKey})
		}
	}

	var extra []string
	for _, row := range rows {
		for name := range row {
			if _, ok := index[name]; !ok {
				extra = append(extra, name)
				index[name] = -1
			}
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		add(ColumnProfile{Name: name, Nullable: true})
	}

	for i := range profiles {
		p := &profiles[i]
		seen := make(map[string]bool)
		for _, row := range rows {
			v, ok := row[p.Name]
			p.SampledRows++
			if !ok || v == nil {
				p.NullCount++
				continue
			}
			s, _ := classifier.Stringify(v)
			if strings.TrimSpace(s) == "" {
				p.EmptyCount++
			}
			if !seen[s] {
				seen[s] = true
				p.SampleValues = append(p.SampleValues, v)
			}
		}
		p.DistinctValueEstimate = len(p.SampleValues)
		if p.InferredType == "" {
			p.InferredType = inferType(p.SampleValues)
		}
	}
	return profiles
}

func inferType(values []any) string {
	if len(values) == 0 {
		return "unknown"
	}
	kind := ""
	for _, v := range values {
		var k string
		switch v.(type) {
		case bool:
			k = "boolean"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			k = "integer"
		case float32, float64:
			k = "float"
		case time.Time:
			k = "timestamp"
		default:
			k = "string"
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return "mixed"
		}
	}
	return kind
}

// filterProfiles keeps the named columns, sorted by name. An empty filter
// keeps every column in schema order.
func filterProfiles(all []ColumnProfile, columns []string) []ColumnProfile {
	if len(columns) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(columns))
	for _, c := range columns {
		allowed[c] = true
	}
	filtered := make([]ColumnProfile, 0, len(columns))
	for _, p := range all {
		if allowed[p.Name] {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Name < filtered[j].Name
	})
	return filtered
}

func columnValues(profiles []ColumnProfile) []classifier.ColumnValues {
	out := make([]classifier.ColumnValues, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, classifier.ColumnValues{Name: p.Name, Values: p.SampleValues})
	}
	return out
}
