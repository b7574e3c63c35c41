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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/inspector"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/storage"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/utils"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show a table's schema and partitions, or its latest stored document",
	Long: `Inspects tables without sampling or calling an LLM. With --latest the most
recent document saved under storage.url is printed instead.`,
	Example: `./metagen describe --dialect bigquery --project my-project --tables "analytics.events"
./metagen describe --storage-url gs://my-bucket --tables "mydb.public.orders" --latest --format yaml`,
	RunE: runDescribe,
}

var describeFlags struct {
	tables  string
	latest  bool
	format  string
	outFile string
}

func runDescribe(cmd *cobra.Command, args []string) error {
	if err := validateFormat(describeFlags.format); err != nil {
		return err
	}
	selections, err := utils.ParseTablesFlag(describeFlags.tables)
	if err != nil {
		return err
	}
	if len(selections) == 0 {
		return &apperrors.ConfigValidationError{Field: "tables", Msg: "at least one table is required"}
	}
	out := describeFlags.outFile
	if out == "" {
		out = "-"
	}
	ctx := cmd.Context()

	var output []byte
	if describeFlags.latest {
		output, err = describeLatest(ctx, selections)
	} else {
		output, err = describeSchemas(ctx, selections)
	}
	if err != nil {
		return err
	}
	return utils.WriteOutput(out, output, cmd.OutOrStdout())
}

func describeSchemas(ctx context.Context, selections []utils.TableSelection) ([]byte, error) {
	logger.Info("starting describe operation", zap.String("dialect", cfg.Database.Dialect))
	db, err := setupDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	insp := inspector.New(db, logger)
	var inspections []*inspector.Inspection
	for _, sel := range selections {
		in, err := insp.Inspect(ctx, sel.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", sel.Table, err)
		}
		inspections = append(inspections, in)
	}

	switch describeFlags.format {
	case "text":
		var buf []byte
		for _, in := range inspections {
			buf = append(buf, inspector.FormatInspectionAsText(in)...)
		}
		return buf, nil
	case "yaml":
		return yaml.Marshal(inspections)
	default:
		data, err := json.MarshalIndent(inspections, "", "  ")
		return append(data, '\n'), err
	}
}

func describeLatest(ctx context.Context, selections []utils.TableSelection) ([]byte, error) {
	if cfg.Storage.URL == "" {
		return nil, &apperrors.ConfigValidationError{Field: "storage.url", Msg: "--latest needs a storage URL"}
	}
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var out []byte
	for _, sel := range selections {
		doc, key, err := store.Latest(ctx, sel.Table)
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("no stored document", zap.Stringer("table", sel.Table))
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Info("loaded stored document", zap.Stringer("table", sel.Table), zap.String("key", key))
		data, err := encodeDocument(doc, describeFlags.format)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func init() {
	f := describeCmd.Flags()
	f.StringVar(&describeFlags.tables, "tables", "", "Comma-separated list of tables (e.g., 'public.orders,public.users')")
	f.BoolVar(&describeFlags.latest, "latest", false, "Print the latest stored document instead of inspecting the database")
	f.StringVar(&describeFlags.format, "format", "text", "Output format (json, yaml or text)")
	f.StringVarP(&describeFlags.outFile, "out_file", "o", "", "File path to write to (defaults to stdout)")
	_ = describeCmd.MarkFlagRequired("tables")
}
