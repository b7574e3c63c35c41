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

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/utils"
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate metadata documents for database tables",
	Long: `Connects to the database, inspects and samples each table, and asks the
configured LLM for every enabled section. One document per table is written to
a file (or stdout with --out_file -) and, when storage is configured, saved to
the bucket.`,
	Example: `./metagen generate --dialect cloudsqlpostgres --username user --password pass --database mydb --cloudsql-instance-connection-name my-project:my-region:my-instance --tables "public.orders[id,status,amount],public.users" --sections "relationships,data_quality,query_examples" --cost-ceiling 5GB --format yaml`,
	RunE:    runGenerate,
}

type generateFlags struct {
	tables       string
	sections     string
	contextFiles string
	customPrompt string
	outFile      string
	format       string
	sampleSize   int
	numSamples   int
	partitions   int
	costCeiling  string
	sectionModel map[string]string
}

var genFlags generateFlags

func runGenerate(cmd *cobra.Command, args []string) error {
	if err := validateFormat(genFlags.format); err != nil {
		return err
	}
	selections, err := utils.ParseTablesFlag(genFlags.tables)
	if err != nil {
		return err
	}
	if len(selections) == 0 {
		return &apperrors.ConfigValidationError{Field: "tables", Msg: "at least one table is required"}
	}
	if len(selections) > 1 && genFlags.outFile != "" && genFlags.outFile != "-" {
		return &apperrors.ConfigValidationError{Field: "out_file", Msg: "only '-' can be combined with several tables"}
	}

	additionalContext, err := utils.ReadContextFiles(genFlags.contextFiles)
	if err != nil {
		return fmt.Errorf("failed to read context files: %w", err)
	}

	base, err := buildGenerationConfig(cmd, generationDefaults(cfg), additionalContext)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting generate operation",
		zap.String("dialect", cfg.Database.Dialect),
		zap.Int("tables", len(selections)),
		zap.Any("sections", base.EnabledSections()))

	p, err := setupPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	var failed []error
	for _, sel := range selections {
		gc := base
		gc.Columns = sel.Columns
		doc, err := p.service.GenerateNow(ctx, sel.Table, gc)
		if err != nil {
			logger.Error("generation failed", zap.Stringer("table", sel.Table),
				zap.String("category", string(apperrors.CategoryOf(err))), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", sel.Table, err))
			if errors.Is(err, apperrors.ErrCancelled) || ctx.Err() != nil {
				break
			}
			continue
		}
		for s, msg := range doc.SectionErrors {
			logger.Warn("section omitted", zap.Stringer("table", sel.Table), zap.String("section", string(s)), zap.String("error", msg))
		}

		data, err := encodeDocument(doc, genFlags.format)
		if err != nil {
			return err
		}
		out := genFlags.outFile
		if out == "" {
			out = utils.GetDefaultOutputFilePath(sel.Table, genFlags.format)
		}
		if err := utils.WriteOutput(out, data, cmd.OutOrStdout()); err != nil {
			return err
		}
		if out != "-" {
			logger.Info("metadata document written", zap.Stringer("table", sel.Table), zap.String("file", out),
				zap.String("size", humanize.Bytes(uint64(len(data)))))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d tables failed: %w", len(failed), len(selections), errors.Join(failed...))
	}
	logger.Info("generate operation completed")
	return nil
}

// buildGenerationConfig applies the command line on top of defaults. Only
// flags the user set override the configured sampling values.
func buildGenerationConfig(cmd *cobra.Command, defaults sampler.Request, additionalContext string) (enricher.GenerationConfig, error) {
	gc := enricher.NewGenerationConfig(defaults)
	flags := cmd.Flags()
	if flags.Changed("sample-size") {
		gc.SampleSize = genFlags.sampleSize
	}
	if flags.Changed("num-samples") {
		gc.NumSamples = genFlags.numSamples
	}
	if flags.Changed("max-partitions") {
		gc.MaxPartitions = genFlags.partitions
	}
	if flags.Changed("cost-ceiling") {
		n, err := humanize.ParseBytes(genFlags.costCeiling)
		if err != nil {
			return gc, &apperrors.ConfigValidationError{Field: "cost_ceiling_bytes", Msg: err.Error()}
		}
		gc.CostCeilingBytes = int64(n)
	}
	if genFlags.sections != "" {
		if err := gc.EnableSections(strings.Split(genFlags.sections, ",")); err != nil {
			return gc, err
		}
	}
	if len(genFlags.sectionModel) > 0 {
		gc.SectionModels = make(map[enricher.Section]string, len(genFlags.sectionModel))
		for s, model := range genFlags.sectionModel {
			gc.SectionModels[enricher.Section(strings.TrimSpace(s))] = strings.TrimSpace(model)
		}
	}
	gc.CustomPrompt = strings.TrimSpace(genFlags.customPrompt + "\n" + additionalContext)
	return gc, nil
}

func validateFormat(format string) error {
	switch format {
	case "json", "yaml", "text":
		return nil
	}
	return &apperrors.ConfigValidationError{Field: "format", Msg: fmt.Sprintf("unsupported format %q (json, yaml or text)", format)}
}

func encodeDocument(doc *enricher.MetadataDocument, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(doc)
	case "text":
		return []byte(enricher.FormatDocumentAsText(doc)), nil
	default:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genFlags.tables, "tables", "", "Comma-separated list of tables and columns to include (e.g., 'public.orders[id,status],public.users')")
	f.StringVar(&genFlags.sections, "sections", "", "Comma-separated optional sections to generate, or 'all' (column_definitions is always included)")
	f.StringVar(&genFlags.contextFiles, "context", "", "Comma-separated list of context files to provide additional information to the LLM.")
	f.StringVar(&genFlags.customPrompt, "custom-prompt", "", "Extra instructions appended to every section prompt")
	f.StringVarP(&genFlags.outFile, "out_file", "o", "", "File path for the document (defaults to <table>_metadata.<format>, '-' for stdout)")
	f.StringVar(&genFlags.format, "format", "json", "Output format (json, yaml or text)")
	f.IntVar(&genFlags.sampleSize, "sample-size", 0, "Rows per sample (defaults to sampling.sample_size)")
	f.IntVar(&genFlags.numSamples, "num-samples", 0, "Independent samples to draw (defaults to sampling.num_samples)")
	f.IntVar(&genFlags.partitions, "max-partitions", 0, "Partitions to sample from on partitioned tables (defaults to sampling.max_partitions)")
	f.StringVar(&genFlags.costCeiling, "cost-ceiling", "", "Maximum bytes a sample may scan, e.g. 10GB (defaults to sampling.cost_ceiling_bytes)")
	f.StringToStringVar(&genFlags.sectionModel, "section-model", nil, "Per-section model overrides, e.g. query_examples=gpt-4o")
	_ = generateCmd.MarkFlagRequired("tables")
}
