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
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/llm"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

// SectionInput is the shared, read-only input of every section generator.
type SectionInput struct {
	Table      database.TableIdentity
	Schema     *database.TableSchema
	Profiles   []ColumnProfile
	Partitions *database.PartitionInfo
	Sample     *sampler.Result
	Config     GenerationConfig
	// Candidates maps a column to the values worth defining.
	Candidates map[string][]string
	// Definitions is the column_definitions payload. It is nil while that
	// section itself runs.
	Definitions *ColumnDefinitions
}

type generateFunc func(ctx context.Context, in *SectionInput, client llm.Client) (any, error)

// sectionSpec is one entry of the strategy table. client is nil for
// sections that do not use an LLM.
type sectionSpec struct {
	name      Section
	mandatory bool
	usesLLM   bool
	generate  generateFunc
}

var sectionSpecs = map[Section]sectionSpec{
	SectionColumnDefinitions:      {name: SectionColumnDefinitions, mandatory: true, usesLLM: true, generate: generateColumnDefinitions},
	SectionDataQuality:            {name: SectionDataQuality, generate: generateDataQuality},
	SectionRelationships:          {name: SectionRelationships, usesLLM: true, generate: generateRelationships},
	SectionAggregationRules:       {name: SectionAggregationRules, usesLLM: true, generate: generateAggregationRules},
	SectionQueryRules:             {name: SectionQueryRules, usesLLM: true, generate: generateQueryRules},
	SectionQueryExamples:          {name: SectionQueryExamples, usesLLM: true, generate: generateQueryExamples},
	SectionBusinessRules:          {name: SectionBusinessRules, usesLLM: true, generate: generateBusinessRules},
	SectionCategoricalDefinitions: {name: SectionCategoricalDefinitions, usesLLM: true, generate: generateCategoricalDefinitions},
	SectionAdditionalInsights:     {name: SectionAdditionalInsights, usesLLM: true, generate: generateAdditionalInsights},
}

// --- payloads ---

type ColumnDefinition struct {
	Name         string `json:"name" yaml:"name"`
	DataType     string `json:"data_type" yaml:"data_type"`
	Nullable     bool   `json:"nullable" yaml:"nullable"`
	Description  string `json:"description" yaml:"description"`
	SemanticType string `json:"semantic_type,omitempty" yaml:"semantic_type,omitempty"`
}

type ColumnDefinitions struct {
	TableDescription string             `json:"table_description" yaml:"table_description"`
	Columns          []ColumnDefinition `json:"columns" yaml:"columns"`
}

type ColumnQuality struct {
	Name          string  `json:"name" yaml:"name"`
	NullRate      float64 `json:"null_rate" yaml:"null_rate"`
	DistinctRatio float64 `json:"distinct_ratio" yaml:"distinct_ratio"`
	EmptyCount    int     `json:"empty_count" yaml:"empty_count"`
	Constant      bool    `json:"constant" yaml:"constant"`
}

type DataQuality struct {
	RowsSampled int             `json:"rows_sampled" yaml:"rows_sampled"`
	Columns     []ColumnQuality `json:"columns" yaml:"columns"`
	Issues      []string        `json:"issues" yaml:"issues"`
}

const (
	SourceDeclared  = "declared"
	SourceInferred  = "inferred"
	SourcePartition = "partitioning"
	SourceGenerated = "generated"
)

type Relationship struct {
	Columns           []string `json:"columns" yaml:"columns"`
	ReferencedTable   string   `json:"referenced_table" yaml:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns,omitempty" yaml:"referenced_columns,omitempty"`
	Source            string   `json:"source" yaml:"source"`
	Confidence        float64  `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
}

type Relationships struct {
	Relationships []Relationship `json:"relationships" yaml:"relationships"`
}

type AggregationRule struct {
	Column       string   `json:"column" yaml:"column"`
	Aggregations []string `json:"aggregations" yaml:"aggregations"`
	Note         string   `json:"note,omitempty" yaml:"note,omitempty"`
}

type AggregationRules struct {
	Rules []AggregationRule `json:"rules" yaml:"rules"`
}

type QueryRule struct {
	Rule   string `json:"rule" yaml:"rule"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Source string `json:"source" yaml:"source"`
}

type QueryRules struct {
	Rules []QueryRule `json:"rules" yaml:"rules"`
}

type QueryExample struct {
	Question string `json:"question" yaml:"question"`
	SQL      string `json:"sql" yaml:"sql"`
}

type QueryExamples struct {
	Examples []QueryExample `json:"examples" yaml:"examples"`
}

type BusinessRule struct {
	Rule    string   `json:"rule" yaml:"rule"`
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

type BusinessRules struct {
	Rules []BusinessRule `json:"rules" yaml:"rules"`
}

// CategoricalDefinitions maps column -> value -> definition.
type CategoricalDefinitions map[string]map[string]string

type AdditionalInsights struct {
	Insights []string `json:"insights" yaml:"insights"`
}

// --- generators ---

func generateColumnDefinitions(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	prompt := buildPrompt(in, `Write a one-sentence description of the table and of every column listed above.
Use the column names, types and sample values. Add a short semantic type for each column
(for example identifier, status, amount, timestamp, free_text, email).`)
	reply, err := complete[ColumnDefinitions](ctx, client, SectionColumnDefinitions, prompt,
		`{"table_description": "string", "columns": [{"name": "string", "description": "string", "semantic_type": "string"}]}`)
	if err != nil {
		return nil, err
	}
	if len(reply.Columns) == 0 && len(in.Profiles) > 0 {
		return nil, &apperrors.LLMError{Op: "decode", Model: client.Model(), Msg: "reply defines no columns"}
	}

	byName := make(map[string]ColumnDefinition, len(reply.Columns))
	for _, c := range reply.Columns {
		byName[c.Name] = c
	}
	out := &ColumnDefinitions{TableDescription: strings.TrimSpace(reply.TableDescription)}
	for _, p := range in.Profiles {
		d := byName[p.Name]
		out.Columns = append(out.Columns, ColumnDefinition{
			Name:         p.Name,
			DataType:     p.InferredType,
			Nullable:     p.Nullable,
			Description:  strings.TrimSpace(d.Description),
			SemanticType: strings.TrimSpace(d.SemanticType),
		})
	}
	return out, nil
}

// generateDataQuality is computed from the sample alone.
func generateDataQuality(_ context.Context, in *SectionInput, _ llm.Client) (any, error) {
	rows := 0
	if in.Sample != nil {
		rows = len(in.Sample.Rows)
	}
	out := &DataQuality{RowsSampled: rows, Issues: []string{}}
	if rows == 0 {
		out.Issues = append(out.Issues, "the sample is empty; no quality statistics are available")
	}
	for _, p := range in.Profiles {
		q := ColumnQuality{Name: p.Name, EmptyCount: p.EmptyCount}
		nonNull := p.SampledRows - p.NullCount
		if p.SampledRows > 0 {
			q.NullRate = float64(p.NullCount) / float64(p.SampledRows)
		}
		if nonNull > 0 {
			q.DistinctRatio = float64(p.DistinctValueEstimate) / float64(nonNull)
		}
		q.Constant = p.DistinctValueEstimate == 1 && nonNull > 1
		out.Columns = append(out.Columns, q)

		switch {
		case p.SampledRows > 0 && nonNull == 0:
			out.Issues = append(out.Issues, fmt.Sprintf("%s is NULL in every sampled row", p.Name))
		case !p.Nullable && p.NullCount > 0:
			out.Issues = append(out.Issues, fmt.Sprintf("%s is declared NOT NULL but has NULLs in the sample", p.Name))
		case q.NullRate > 0.5:
			out.Issues = append(out.Issues, fmt.Sprintf("%s is NULL in %.0f%% of sampled rows", p.Name, q.NullRate*100))
		}
		if q.Constant {
			out.Issues = append(out.Issues, fmt.Sprintf("%s has a single distinct value in the sample", p.Name))
		}
		if p.EmptyCount > 0 {
			out.Issues = append(out.Issues, fmt.Sprintf("%s contains %d empty or blank strings", p.Name, p.EmptyCount))
		}
	}
	return out, nil
}

func generateRelationships(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	out := &Relationships{Relationships: declaredRelationships(in.Schema)}

	prompt := buildPrompt(in, `List columns of this table that probably reference other tables but have no declared
foreign key. Only use column names listed above. Give a confidence between 0 and 1.`)
	reply, err := complete[Relationships](ctx, client, SectionRelationships, prompt,
		`{"relationships": [{"columns": ["string"], "referenced_table": "string", "referenced_columns": ["string"], "confidence": 0.0, "description": "string"}]}`)
	if err != nil {
		return nil, err
	}

	known := profileNames(in.Profiles)
	declared := make(map[string]bool, len(out.Relationships))
	for _, r := range out.Relationships {
		declared[relationshipKey(r)] = true
	}
	for _, r := range reply.Relationships {
		if r.ReferencedTable == "" || len(r.Columns) == 0 || !allKnown(known, r.Columns) {
			continue
		}
		if declared[relationshipKey(r)] {
			continue
		}
		r.Source = SourceInferred
		out.Relationships = append(out.Relationships, r)
	}
	return out, nil
}

func declaredRelationships(schema *database.TableSchema) []Relationship {
	out := []Relationship{}
	if schema == nil {
		return out
	}
	for _, fk := range schema.ForeignKeys() {
		out = append(out, Relationship{
			Columns:           fk.Columns,
			ReferencedTable:   fk.ReferencedTable,
			ReferencedColumns: fk.ReferencedColumns,
			Source:            SourceDeclared,
			Confidence:        1,
		})
	}
	return out
}

func relationshipKey(r Relationship) string {
	cols := append([]string(nil), r.Columns...)
	sort.Strings(cols)
	return strings.ToLower(strings.Join(cols, ",") + "->" + r.ReferencedTable)
}

func generateAggregationRules(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	prompt := buildPrompt(in, `For each column that is meaningful to aggregate, list the aggregations that make sense
(SUM, AVG, MIN, MAX, COUNT, COUNT DISTINCT) and note any aggregation that would be misleading.`)
	reply, err := complete[AggregationRules](ctx, client, SectionAggregationRules, prompt,
		`{"rules": [{"column": "string", "aggregations": ["string"], "note": "string"}]}`)
	if err != nil {
		return nil, err
	}
	known := profileNames(in.Profiles)
	out := &AggregationRules{Rules: []AggregationRule{}}
	for _, r := range reply.Rules {
		if known[r.Column] && len(r.Aggregations) > 0 {
			out.Rules = append(out.Rules, r)
		}
	}
	return out, nil
}

func generateQueryRules(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	out := &QueryRules{Rules: partitionRules(in.Partitions)}

	prompt := buildPrompt(in, `List rules an analyst must follow to query this table correctly and cheaply
(required filters, deduplication, soft-delete flags, time zones, units).`)
	reply, err := complete[QueryRules](ctx, client, SectionQueryRules, prompt,
		`{"rules": [{"rule": "string", "reason": "string"}]}`)
	if err != nil {
		return nil, err
	}
	for _, r := range reply.Rules {
		if strings.TrimSpace(r.Rule) == "" {
			continue
		}
		r.Source = SourceGenerated
		out.Rules = append(out.Rules, r)
	}
	return out, nil
}

// partitionRules are derived from the partition layout without an LLM.
func partitionRules(info *database.PartitionInfo) []QueryRule {
	rules := []QueryRule{}
	if info == nil || !info.IsPartitioned {
		return rules
	}
	switch {
	case info.Column != "" && info.Type == database.PartitionInteger:
		rules = append(rules, QueryRule{
			Rule:   fmt.Sprintf("Filter on a range of %s in every query.", info.Column),
			Reason: fmt.Sprintf("the table is integer-range partitioned on %s", info.Column),
			Source: SourcePartition,
		})
	case info.Column != "":
		rules = append(rules, QueryRule{
			Rule:   fmt.Sprintf("Filter on %s in every query so that only the needed partitions are scanned.", info.Column),
			Reason: fmt.Sprintf("the table is %s-partitioned on %s", strings.ToLower(string(info.Type)), info.Column),
			Source: SourcePartition,
		})
	case isTimeUnit(info.Type):
		rules = append(rules, QueryRule{
			Rule:   "Filter on _PARTITIONTIME in every query so that only the needed partitions are scanned.",
			Reason: fmt.Sprintf("the table is partitioned by ingestion time (%s)", strings.ToLower(string(info.Type))),
			Source: SourcePartition,
		})
	default:
		rules = append(rules, QueryRule{
			Rule:   "Restrict queries to the partitions you need.",
			Reason: fmt.Sprintf("the table is %s partitioned", strings.ToLower(string(info.Type))),
			Source: SourcePartition,
		})
	}
	if len(info.ClusteringFields) > 0 {
		rules = append(rules, QueryRule{
			Rule:   fmt.Sprintf("Filter on the clustering fields (%s) after the partition filter.", strings.Join(info.ClusteringFields, ", ")),
			Reason: "clustered columns reduce the bytes scanned",
			Source: SourcePartition,
		})
	}
	return rules
}

func isTimeUnit(t database.PartitionType) bool {
	switch t {
	case database.PartitionHour, database.PartitionDay, database.PartitionMonth, database.PartitionYear:
		return true
	}
	return false
}

func generateQueryExamples(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	prompt := buildPrompt(in, fmt.Sprintf(`Write up to five realistic analyst questions about this table with a SQL query answering each.
Reference the table as %s and respect the partition filter rules.`, in.Table))
	reply, err := complete[QueryExamples](ctx, client, SectionQueryExamples, prompt,
		`{"examples": [{"question": "string", "sql": "string"}]}`)
	if err != nil {
		return nil, err
	}
	out := &QueryExamples{Examples: []QueryExample{}}
	for _, e := range reply.Examples {
		if strings.TrimSpace(e.SQL) != "" {
			out.Examples = append(out.Examples, e)
		}
	}
	return out, nil
}

func generateBusinessRules(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	prompt := buildPrompt(in, `Infer business rules that the data appears to follow (valid state transitions, value
ranges, invariants between columns). Name the columns each rule involves.`)
	reply, err := complete[BusinessRules](ctx, client, SectionBusinessRules, prompt,
		`{"rules": [{"rule": "string", "columns": ["string"]}]}`)
	if err != nil {
		return nil, err
	}
	if reply.Rules == nil {
		reply.Rules = []BusinessRule{}
	}
	return &reply, nil
}

// generateCategoricalDefinitions makes one call for every column with
// candidate values, and none when no column qualifies.
func generateCategoricalDefinitions(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	out := CategoricalDefinitions{}
	if len(in.Candidates) == 0 {
		return out, nil
	}

	columns := make([]string, 0, len(in.Candidates))
	for c := range in.Candidates {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	var sb strings.Builder
	for _, c := range columns {
		fmt.Fprintf(&sb, "- %s: %s\n", c, strings.Join(quoteAll(in.Candidates[c]), ", "))
	}
	prompt := buildPrompt(in, "Define what each of the following categorical values means in this table:\n"+sb.String())
	reply, err := complete[struct {
		Columns map[string]map[string]string `json:"columns"`
	}](ctx, client, SectionCategoricalDefinitions, prompt, `{"columns": {"<column>": {"<value>": "definition"}}}`)
	if err != nil {
		return nil, err
	}

	for _, c := range columns {
		defs := make(map[string]string)
		for _, v := range in.Candidates[c] {
			if d, ok := reply.Columns[c][v]; ok && strings.TrimSpace(d) != "" {
				defs[v] = strings.TrimSpace(d)
			}
		}
		out[c] = defs
	}
	return out, nil
}

func generateAdditionalInsights(ctx context.Context, in *SectionInput, client llm.Client) (any, error) {
	prompt := buildPrompt(in, `List any further observations a new analyst should know about this table
(likely grain, freshness, caveats, notable distributions).`)
	reply, err := complete[AdditionalInsights](ctx, client, SectionAdditionalInsights, prompt, `{"insights": ["string"]}`)
	if err != nil {
		return nil, err
	}
	if reply.Insights == nil {
		reply.Insights = []string{}
	}
	return &reply, nil
}

// complete issues the single LLM call of a section and decodes the reply.
func complete[T any](ctx context.Context, client llm.Client, section Section, prompt, hint string) (T, error) {
	var zero T
	raw, err := client.CompleteJSON(ctx, prompt, hint)
	if err != nil {
		return zero, err
	}
	out, err := llm.Decode[T](raw)
	if err != nil {
		return zero, &apperrors.LLMError{Op: "decode", Model: client.Model(), Msg: fmt.Sprintf("%s reply has an unexpected shape", section), Err: err}
	}
	return out, nil
}

func profileNames(profiles []ColumnProfile) map[string]bool {
	known := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		known[p.Name] = true
	}
	return known
}

func allKnown(known map[string]bool, cols []string) bool {
	for _, c := range cols {
		if !known[c] {
			return false
		}
	}
	return true
}

func quoteAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}
