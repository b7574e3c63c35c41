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

package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// TableSelection is one entry of the --tables flag.
type TableSelection struct {
	Table database.TableIdentity
	// Columns is empty when every column is selected.
	Columns []string
}

// ReadContextFiles reads the content of the specified context files and combines them into a single string.
func ReadContextFiles(filePaths string) (string, error) {
	if filePaths == "" {
		return "", nil // No context files provided
	}

	paths := strings.Split(filePaths, ",")
	var combinedContext strings.Builder
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read context file '%s': %w", path, err)
		}
		combinedContext.WriteString("\n-- Context from file: " + path + " --\n")
		combinedContext.WriteString(strings.TrimSpace(string(content)))
		combinedContext.WriteString("\n")
	}
	return combinedContext.String(), nil
}

// GetDefaultOutputFilePath names the file a document is written to when
// --out_file is not given, e.g. public.orders_metadata.json.
func GetDefaultOutputFilePath(table database.TableIdentity, format string) string {
	ext := format
	switch format {
	case "", "json":
		ext = "json"
	case "text":
		ext = "txt"
	}
	return fmt.Sprintf("%s_metadata.%s", table, ext)
}

// WriteOutput writes data to path, or to stdout when path is "-".
func WriteOutput(path string, data []byte, stdout io.Writer) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file %s: %w", path, err)
	}
	return nil
}

// ParseTablesFlag parses "schema.table1[col1,col2],table2" in flag order.
func ParseTablesFlag(tablesFlag string) ([]TableSelection, error) {
	var out []TableSelection
	if tablesFlag == "" {
		return out, nil
	}

	// strip any whitespace
	tablesFlag = strings.ReplaceAll(tablesFlag, " ", "")

	// Split by comma, but only if the comma is not within square brackets
	parts := SplitOutsideBrackets(tablesFlag)

	seen := make(map[string]bool)
	for _, part := range parts {
		if part == "" {
			continue
		}
		name, columnsStr := part, ""
		if bracketStart := strings.Index(part, "["); bracketStart != -1 {
			bracketEnd := strings.Index(part, "]")
			if bracketEnd == -1 || bracketEnd < bracketStart {
				return nil, fmt.Errorf("missing closing bracket in: %s", part)
			}
			name = part[:bracketStart]
			columnsStr = part[bracketStart+1 : bracketEnd]
		} else if strings.Contains(part, "]") {
			return nil, fmt.Errorf("unexpected closing bracket in: %s", part)
		}

		table, err := database.ParseTableIdentity(name)
		if err != nil {
			return nil, err
		}
		if seen[table.String()] {
			return nil, fmt.Errorf("table %s listed twice", table)
		}
		seen[table.String()] = true

		sel := TableSelection{Table: table}
		for _, col := range strings.Split(columnsStr, ",") {
			if col = strings.TrimSpace(col); col != "" {
				sel.Columns = append(sel.Columns, col)
			}
		}
		out = append(out, sel)
	}
	return out, nil
}

// SplitOutsideBrackets Helper function to split string by commas that are not within brackets
func SplitOutsideBrackets(s string) []string {
	var result []string
	var current strings.Builder
	inBrackets := false

	for _, char := range s {
		switch char {
		case '[':
			inBrackets = true
			current.WriteRune(char)
		case ']':
			inBrackets = false
			current.WriteRune(char)
		case ',':
			if inBrackets {
				current.WriteRune(char)
			} else {
				result = append(result, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(char)
		}
	}

	// Add the last part
	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}
