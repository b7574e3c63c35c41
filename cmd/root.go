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
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	_ "github.com/GoogleCloudPlatform/db-metadata-generator/internal/database/bigquery"
	_ "github.com/GoogleCloudPlatform/db-metadata-generator/internal/database/mysql"
	_ "github.com/GoogleCloudPlatform/db-metadata-generator/internal/database/postgres"
	_ "github.com/GoogleCloudPlatform/db-metadata-generator/internal/database/sqlite"
	_ "github.com/GoogleCloudPlatform/db-metadata-generator/internal/database/sqlserver"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/logging"
)

var (
	configFile string
	v          = config.New()

	// Set by initFlagsAndConfig before any subcommand runs.
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "metagen",
	Short: "A tool to generate metadata documents for database tables",
	Long: `metagen inspects a table, samples its rows under a cost ceiling and asks an
LLM for column definitions, relationships, query guidance and business rules.
The result is one structured metadata document per table.`,
	SilenceUsage:      true,
	PersistentPreRunE: initFlagsAndConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initFlagsAndConfig merges flags, environment and the config file.
func initFlagsAndConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	l, err := logging.New(loaded.Logging)
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	return nil
}

func validateDialect(dialect string) error {
	supportedDialects := database.Dialects()
	sort.Strings(supportedDialects)
	for _, supportedDialect := range supportedDialects {
		if dialect == supportedDialect {
			return nil
		}
	}
	return fmt.Errorf("unsupported dialect: %q (only %s are supported)", dialect, strings.Join(supportedDialects, ", "))
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// flagBinding maps a persistent flag onto a configuration key.
type flagBinding struct {
	flag, key, usage string
	kind             string // string | int | bool
}

var persistentFlags = []flagBinding{
	{"dialect", "database.dialect", "Database dialect (postgres, cloudsqlpostgres, mysql, cloudsqlmysql, sqlserver, cloudsqlsqlserver, sqlite, bigquery)", "string"},
	{"host", "database.host", "Database host", "string"},
	{"port", "database.port", "Database port", "int"},
	{"username", "database.user", "Database username", "string"},
	{"password", "database.password", "Database password", "string"},
	{"database", "database.name", "Database name", "string"},
	{"cloudsql-instance-connection-name", "database.cloudsql_instance", "Cloud SQL instance connection name (for Cloud SQL dialects)", "string"},
	{"cloudsql-use-private-ip", "database.private_ip", "Use private IP for Cloud SQL connection", "bool"},
	{"db-path", "database.path", "Database file (sqlite)", "string"},
	{"project", "database.project_id", "Google Cloud project (bigquery)", "string"},
	{"llm-provider", "llm.provider", "LLM provider (gemini, openai, anthropic)", "string"},
	{"model", "llm.model", "Default model for section generation", "string"},
	{"api-key", "llm.api_key", "LLM API key (can also be set via GEMINI_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY)", "string"},
	{"llm-endpoint", "llm.endpoint", "Override the LLM API base URL", "string"},
	{"storage-url", "storage.url", "Bucket URL generated documents are saved to (gs://, s3://, file://, mem://)", "string"},
	{"log-level", "logging.level", "Log level (debug, info, warn, error)", "string"},
}

func bindPersistentFlags(cmd *cobra.Command, vp *viper.Viper, bindings []flagBinding) {
	flags := cmd.PersistentFlags()
	for _, b := range bindings {
		switch b.kind {
		case "int":
			flags.Int(b.flag, 0, b.usage)
		case "bool":
			flags.Bool(b.flag, false, b.usage)
		default:
			flags.String(b.flag, "", b.usage)
		}
		// Lookup cannot fail for a flag defined just above.
		_ = vp.BindPFlag(b.key, flags.Lookup(b.flag))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (yaml, json or toml)")
	bindPersistentFlags(rootCmd, v, persistentFlags)

	// Add subcommands
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(serveCmd)
}
