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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

// Section names one independently toggleable part of a MetadataDocument.
type Section string

const (
	SectionColumnDefinitions      Section = "column_definitions"
	SectionDataQuality            Section = "data_quality"
	SectionRelationships          Section = "relationships"
	SectionAggregationRules       Section = "aggregation_rules"
	SectionQueryRules             Section = "query_rules"
	SectionQueryExamples          Section = "query_examples"
	SectionBusinessRules          Section = "business_rules"
	SectionCategoricalDefinitions Section = "categorical_definitions"
	SectionAdditionalInsights     Section = "additional_insights"
)

// OptionalSections lists the toggleable sections in document order.
var OptionalSections = []Section{
	SectionDataQuality,
	SectionRelationships,
	SectionAggregationRules,
	SectionQueryRules,
	SectionQueryExamples,
	SectionBusinessRules,
	SectionCategoricalDefinitions,
	SectionAdditionalInsights,
}

// sectionOrder gives the position of a section in a document.
func sectionOrder(s Section) int {
	if s == SectionColumnDefinitions {
		return 0
	}
	for i, o := range OptionalSections {
		if o == s {
			return i + 1
		}
	}
	return len(OptionalSections) + 1
}

// GenerationConfig is built once per request and read-only afterwards.
type GenerationConfig struct {
	Relationships          bool `json:"relationships" yaml:"relationships"`
	AggregationRules       bool `json:"aggregation_rules" yaml:"aggregation_rules"`
	QueryRules             bool `json:"query_rules" yaml:"query_rules"`
	DataQuality            bool `json:"data_quality" yaml:"data_quality"`
	QueryExamples          bool `json:"query_examples" yaml:"query_examples"`
	AdditionalInsights     bool `json:"additional_insights" yaml:"additional_insights"`
	BusinessRules          bool `json:"business_rules" yaml:"business_rules"`
	CategoricalDefinitions bool `json:"categorical_definitions" yaml:"categorical_definitions"`

	SampleSize       int   `json:"sample_size" yaml:"sample_size"`
	NumSamples       int   `json:"num_samples" yaml:"num_samples"`
	MaxPartitions    int   `json:"max_partitions" yaml:"max_partitions"`
	CostCeilingBytes int64 `json:"cost_ceiling_bytes" yaml:"cost_ceiling_bytes"`

	CustomPrompt string `json:"custom_prompt,omitempty" yaml:"custom_prompt,omitempty"`
	// Model overrides the configured default model for every LLM call.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// SectionModels overrides Model for individual sections.
	SectionModels map[Section]string `json:"section_models,omitempty" yaml:"section_models,omitempty"`
	// Columns restricts generation to the named columns. Empty means all.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// NewGenerationConfig returns a config with only the mandatory section and
// the sampling values of defaults.
func NewGenerationConfig(defaults sampler.Request) GenerationConfig {
	return GenerationConfig{
		SampleSize:       defaults.SampleSize,
		NumSamples:       defaults.NumSamples,
		MaxPartitions:    defaults.MaxPartitions,
		CostCeilingBytes: defaults.CostCeilingBytes,
	}
}

// Enabled reports whether s must be generated. The mandatory section is
// always enabled.
func (c GenerationConfig) Enabled(s Section) bool {
	switch s {
	case SectionColumnDefinitions:
		return true
	case SectionDataQuality:
		return c.DataQuality
	case SectionRelationships:
		return c.Relationships
	case SectionAggregationRules:
		return c.AggregationRules
	case SectionQueryRules:
		return c.QueryRules
	case SectionQueryExamples:
		return c.QueryExamples
	case SectionBusinessRules:
		return c.BusinessRules
	case SectionCategoricalDefinitions:
		return c.CategoricalDefinitions
	case SectionAdditionalInsights:
		return c.AdditionalInsights
	}
	return false
}

// SetSection toggles an optional section.
func (c *GenerationConfig) SetSection(s Section, on bool) error {
	switch s {
	case SectionDataQuality:
		c.DataQuality = on
	case SectionRelationships:
		c.Relationships = on
	case SectionAggregationRules:
		c.AggregationRules = on
	case SectionQueryRules:
		c.QueryRules = on
	case SectionQueryExamples:
		c.QueryExamples = on
	case SectionBusinessRules:
		c.BusinessRules = on
	case SectionCategoricalDefinitions:
		c.CategoricalDefinitions = on
	case SectionAdditionalInsights:
		c.AdditionalInsights = on
	case SectionColumnDefinitions:
		if !on {
			return &apperrors.ConfigValidationError{Field: "sections", Msg: "column_definitions cannot be disabled"}
		}
	default:
		return &apperrors.ConfigValidationError{Field: "sections", Msg: fmt.Sprintf("unknown section %q", s)}
	}
	return nil
}

// EnableSections turns on the named sections. "all" enables every section.
func (c *GenerationConfig) EnableSections(names []string) error {
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, s := range OptionalSections {
				_ = c.SetSection(s, true)
			}
			continue
		}
		if err := c.SetSection(Section(name), true); err != nil {
			return err
		}
	}
	return nil
}

// EnabledSections returns every section to generate in document order.
func (c GenerationConfig) EnabledSections() []Section {
	out := []Section{SectionColumnDefinitions}
	for _, s := range OptionalSections {
		if c.Enabled(s) {
			out = append(out, s)
		}
	}
	return out
}

// SampleRequest combines the sampling fields with the configured warning ratio.
func (c GenerationConfig) SampleRequest(warningRatio float64) sampler.Request {
	return sampler.Request{
		SampleSize:       c.SampleSize,
		NumSamples:       c.NumSamples,
		MaxPartitions:    c.MaxPartitions,
		CostCeilingBytes: c.CostCeilingBytes,
		WarningRatio:     warningRatio,
	}
}

// ModelFor returns the model override for s, or "" for the default model.
func (c GenerationConfig) ModelFor(s Section) string {
	if m, ok := c.SectionModels[s]; ok && m != "" {
		return m
	}
	return c.Model
}

func (c GenerationConfig) validate(warningRatio float64) error {
	if err := c.SampleRequest(warningRatio).Validate(); err != nil {
		return err
	}
	for s := range c.SectionModels {
		if sectionOrder(s) > len(OptionalSections) {
			return &apperrors.ConfigValidationError{Field: "section_models", Msg: fmt.Sprintf("unknown section %q", s)}
		}
	}
	return nil
}

// SampleSummary describes the sample a document was generated from.
type SampleSummary struct {
	Strategy       sampler.Strategy `json:"strategy" yaml:"strategy"`
	Rows           int              `json:"rows" yaml:"rows"`
	Draws          int              `json:"draws" yaml:"draws"`
	BytesProcessed int64            `json:"bytes_processed" yaml:"bytes_processed"`
	PartitionsUsed []string         `json:"partitions_used,omitempty" yaml:"partitions_used,omitempty"`
	EstimatedCost  float64          `json:"estimated_cost" yaml:"estimated_cost"`
	Warning        bool             `json:"warning" yaml:"warning"`
}

func summarize(r *sampler.Result) SampleSummary {
	return SampleSummary{
		Strategy:       r.Strategy,
		Rows:           len(r.Rows),
		Draws:          len(r.Draws),
		BytesProcessed: r.BytesProcessed,
		PartitionsUsed: r.PartitionsUsed,
		EstimatedCost:  r.EstimatedCost,
		Warning:        r.Warning,
	}
}

// MetadataDocument is the final artifact of a run. It is not modified after
// it is returned; callers that need changes regenerate.
type MetadataDocument struct {
	Table            database.TableIdentity  `json:"table_identity" yaml:"table_identity"`
	PartitionInfo    *database.PartitionInfo `json:"partition_info" yaml:"partition_info"`
	GeneratedAt      time.Time               `json:"generated_at" yaml:"generated_at"`
	SectionsIncluded []Section               `json:"sections_included" yaml:"sections_included"`
	Sections         map[Section]any         `json:"sections" yaml:"sections"`
	SectionErrors    map[Section]string      `json:"section_errors,omitempty" yaml:"section_errors,omitempty"`
	Sample           SampleSummary           `json:"sample" yaml:"sample"`
	Model            string                  `json:"model,omitempty" yaml:"model,omitempty"`
}

// Includes reports whether s produced a payload.
func (d *MetadataDocument) Includes(s Section) bool {
	for _, inc := range d.SectionsIncluded {
		if inc == s {
			return true
		}
	}
	return false
}

// UnmarshalJSON restores every section payload to its concrete type so a
// stored document renders like a freshly generated one.
func (d *MetadataDocument) UnmarshalJSON(data []byte) error {
	type plain MetadataDocument
	var raw struct {
		plain
		Sections map[Section]json.RawMessage `json:"sections"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = MetadataDocument(raw.plain)
	d.Sections = nil
	if raw.Sections == nil {
		return nil
	}
	d.Sections = make(map[Section]any, len(raw.Sections))
	for sec, msg := range raw.Sections {
		payload, err := decodeSection(sec, func(v any) error { return json.Unmarshal(msg, v) })
		if err != nil {
			return err
		}
		d.Sections[sec] = payload
	}
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (d *MetadataDocument) UnmarshalYAML(value *yaml.Node) error {
	type plain MetadataDocument
	if err := value.Decode((*plain)(d)); err != nil {
		return err
	}
	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value != "sections" || value.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		sections := value.Content[i+1].Content
		d.Sections = make(map[Section]any, len(sections)/2)
		for j := 0; j+1 < len(sections); j += 2 {
			sec, node := Section(sections[j].Value), sections[j+1]
			payload, err := decodeSection(sec, node.Decode)
			if err != nil {
				return err
			}
			d.Sections[sec] = payload
		}
	}
	return nil
}

// decodeSection decodes one payload into the type its generator produces.
// Unknown sections are kept as generic values.
func decodeSection(s Section, decode func(any) error) (any, error) {
	var payload any
	switch s {
	case SectionColumnDefinitions:
		payload = &ColumnDefinitions{}
	case SectionDataQuality:
		payload = &DataQuality{}
	case SectionRelationships:
		payload = &Relationships{}
	case SectionAggregationRules:
		payload = &AggregationRules{}
	case SectionQueryRules:
		payload = &QueryRules{}
	case SectionQueryExamples:
		payload = &QueryExamples{}
	case SectionBusinessRules:
		payload = &BusinessRules{}
	case SectionAdditionalInsights:
		payload = &AdditionalInsights{}
	case SectionCategoricalDefinitions:
		defs := CategoricalDefinitions{}
		if err := decode(&defs); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", s, err)
		}
		return defs, nil
	default:
		var generic any
		if err := decode(&generic); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", s, err)
		}
		return generic, nil
	}
	if err := decode(payload); err != nil {
		return nil, fmt.Errorf("decode section %s: %w", s, err)
	}
	return payload, nil
}

func sortSections(sections []Section) {
	sort.Slice(sections, func(i, j int) bool {
		return sectionOrder(sections[i]) < sectionOrder(sections[j])
	})
}
