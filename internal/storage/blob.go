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

// Package storage writes generated metadata documents to a bucket.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// BlobStore saves documents under <prefix><database>/<schema>/<table>/<timestamp>.<format>.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
	format string
	logger *zap.Logger
}

// Open opens the bucket named by cfg.URL. Supported schemes are gs://,
// s3://, file:// and mem://.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*BlobStore, error) {
	if cfg.URL == "" {
		return nil, &apperrors.ConfigValidationError{Field: "storage.url", Msg: "must not be empty"}
	}
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.URL, err)
	}
	s, err := NewBlobStore(bucket, cfg.Prefix, cfg.Format, logger)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return s, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, prefix, format string, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatYAML:
	default:
		return nil, &apperrors.ConfigValidationError{Field: "storage.format", Msg: fmt.Sprintf("unsupported format %q", format)}
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobStore{bucket: bucket, prefix: prefix, format: format, logger: logger.Named("storage")}, nil
}

func (s *BlobStore) tableDir(t database.TableIdentity) string {
	parts := []string{t.Database, t.Schema, t.Table}
	for i, p := range parts {
		if p == "" {
			parts[i] = "_"
		}
	}
	return s.prefix + path.Join(parts...) + "/"
}

// Key returns the object key a document is stored under.
func (s *BlobStore) Key(doc *enricher.MetadataDocument) string {
	return s.tableDir(doc.Table) + doc.GeneratedAt.UTC().Format("20060102T150405.000000000Z") + "." + s.format
}

// Save encodes doc and writes it to the bucket. It returns the object key.
func (s *BlobStore) Save(ctx context.Context, doc *enricher.MetadataDocument) (string, error) {
	data, contentType, err := encode(doc, s.format)
	if err != nil {
		return "", err
	}
	key := s.Key(doc)
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write document to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	s.logger.Info("document saved", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// Load reads the document stored under key.
func (s *BlobStore) Load(ctx context.Context, key string) (*enricher.MetadataDocument, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("document %s: %w", key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	doc := &enricher.MetadataDocument{}
	if strings.HasSuffix(key, "."+FormatYAML) {
		err = yaml.Unmarshal(data, doc)
	} else {
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

// Latest returns the most recently generated document for table.
func (s *BlobStore) Latest(ctx context.Context, table database.TableIdentity) (*enricher.MetadataDocument, string, error) {
	keys, err := s.List(ctx, table)
	if err != nil {
		return nil, "", err
	}
	if len(keys) == 0 {
		return nil, "", fmt.Errorf("documents for %s: %w", table, apperrors.ErrNotFound)
	}
	key := keys[len(keys)-1]
	doc, err := s.Load(ctx, key)
	return doc, key, err
}

// List returns the keys stored for table, oldest first.
func (s *BlobStore) List(ctx context.Context, table database.TableIdentity) ([]string, error) {
	it := s.bucket.List(&blob.ListOptions{Prefix: s.tableDir(table), Delimiter: "/"})
	var keys []string
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.tableDir(table), err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	// Timestamps are fixed width, so lexical order is chronological.
	sort.Strings(keys)
	return keys, nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func encode(doc *enricher.MetadataDocument, format string) ([]byte, string, error) {
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, "", fmt.Errorf("encode yaml: %w", err)
		}
		return data, "application/yaml", nil
	default:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return data, "application/json", nil
	}
}

var _ enricher.Persister = (*BlobStore)(nil)
