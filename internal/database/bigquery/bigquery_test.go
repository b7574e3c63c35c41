package bigquery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

var events = database.TableIdentity{Database: "proj", Schema: "analytics", Table: "events"}

func TestDialectQueries(t *testing.T) {
	d := Dialect{DefaultProject: "fallback"}

	assert.Equal(t, "`proj.analytics.events`", d.QualifiedTable(events))
	assert.Equal(t, "`fallback.analytics.events`", d.QualifiedTable(database.TableIdentity{Schema: "analytics", Table: "events"}))
	assert.Equal(t, "SELECT * FROM `proj.analytics.events` TABLESAMPLE SYSTEM (0.5 PERCENT) LIMIT 100",
		d.NativeSampleQuery(events, 0.5, 100))
	assert.Equal(t, "SELECT * FROM `proj.analytics.events` LIMIT 7", d.LimitQuery(events, 7))
}

func TestPartitionPredicate(t *testing.T) {
	tests := []struct {
		name string
		info database.PartitionInfo
		id   string
		want string
	}{
		{
			name: "day on timestamp column",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionDay, Column: "event_ts", ColumnType: "TIMESTAMP"},
			id:   "20240105",
			want: "`event_ts` >= TIMESTAMP '2024-01-05 00:00:00+00' AND `event_ts` < TIMESTAMP '2024-01-06 00:00:00+00'",
		},
		{
			name: "day on date column",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionDay, Column: "event_date", ColumnType: "DATE"},
			id:   "20241231",
			want: "`event_date` >= DATE '2024-12-31' AND `event_date` < DATE '2025-01-01'",
		},
		{
			name: "month on datetime column",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionMonth, Column: "created", ColumnType: "DATETIME"},
			id:   "202402",
			want: "`created` >= DATETIME '2024-02-01 00:00:00' AND `created` < DATETIME '2024-03-01 00:00:00'",
		},
		{
			name: "hour ingestion time",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionHour},
			id:   "2024010523",
			want: "_PARTITIONTIME >= TIMESTAMP '2024-01-05 23:00:00+00' AND _PARTITIONTIME < TIMESTAMP '2024-01-06 00:00:00+00'",
		},
		{
			name: "year",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionYear, Column: "d", ColumnType: "DATE"},
			id:   "2023",
			want: "`d` >= DATE '2023-01-01' AND `d` < DATE '2024-01-01'",
		},
		{
			name: "integer range",
			info: database.PartitionInfo{IsPartitioned: true, Type: database.PartitionInteger, Column: "customer_id", IntegerInterval: 10},
			id:   "100",
			want: "`customer_id` >= 100 AND `customer_id` < 110",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PartitionPredicate(&tt.info, database.Partition{ID: tt.id})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionPredicateRejects(t *testing.T) {
	day := &database.PartitionInfo{IsPartitioned: true, Type: database.PartitionDay, Column: "d", ColumnType: "DATE"}

	_, err := PartitionPredicate(day, database.Partition{ID: nullPartition})
	assert.Error(t, err)
	_, err = PartitionPredicate(day, database.Partition{ID: "2024-01-05"})
	assert.Error(t, err)
	_, err = PartitionPredicate(database.Unpartitioned(), database.Partition{ID: "20240101"})
	assert.Error(t, err)
}

func TestPartitionQueryIsScoped(t *testing.T) {
	d := Dialect{}
	info := &database.PartitionInfo{IsPartitioned: true, Type: database.PartitionDay, Column: "d", ColumnType: "DATE"}

	q, err := d.PartitionQuery(events, info, database.Partition{ID: "20240105"}, 20)
	require.NoError(t, err)
	assert.Contains(t, q, "WHERE `d` >= DATE '2024-01-05'")
	assert.Contains(t, q, "LIMIT 20")
	assert.NotContains(t, q, "OFFSET")
}

func TestMetadataConversion(t *testing.T) {
	md := &bigquery.TableMetadata{
		NumRows: 4000,
		Schema: bigquery.Schema{
			{Name: "event_id", Type: bigquery.StringFieldType, Required: true},
			{Name: "event_ts", Type: bigquery.TimestampFieldType},
			{Name: "tags", Type: bigquery.StringFieldType, Repeated: true},
		},
		TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: "event_ts"},
		Clustering:       &bigquery.Clustering{Fields: []string{"event_id"}},
		TableConstraints: &bigquery.TableConstraints{
			PrimaryKey: &bigquery.PrimaryKey{Columns: []string{"event_id"}},
		},
	}

	schema := schemaFromMetadata(events, md)
	require.Len(t, schema.Columns, 3)
	assert.False(t, schema.Columns[0].Nullable)
	assert.True(t, schema.Columns[0].PrimaryKey)
	assert.True(t, schema.Columns[1].Nullable)
	assert.Equal(t, "ARRAY<STRING>", schema.Columns[2].DataType)
	assert.Equal(t, int64(4000), schema.RowEstimate)

	info := partitionInfoFromMetadata(md)
	assert.True(t, info.IsPartitioned)
	assert.Equal(t, database.PartitionDay, info.Type)
	assert.Equal(t, "event_ts", info.Column)
	assert.Equal(t, "TIMESTAMP", info.ColumnType)
	assert.Equal(t, []string{"event_id"}, info.ClusteringFields)

	ranged := partitionInfoFromMetadata(&bigquery.TableMetadata{
		RangePartitioning: &bigquery.RangePartitioning{
			Field: "customer_id",
			Range: &bigquery.RangePartitioningRange{Start: 0, End: 1000, Interval: 50},
		},
	})
	assert.Equal(t, database.PartitionInteger, ranged.Type)
	assert.Equal(t, int64(50), ranged.IntegerInterval)

	assert.False(t, partitionInfoFromMetadata(&bigquery.TableMetadata{}).IsPartitioned)
}

func TestErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("get: %w", &googleapi.Error{Code: 404})
	assert.True(t, isNotFound(notFound))
	assert.False(t, isNotFound(errors.New("other")))

	var connErr *apperrors.ConnectionError
	assert.ErrorAs(t, classifyError(&googleapi.Error{Code: 503}), &connErr)
	assert.False(t, apperrors.IsTransient(classifyError(&googleapi.Error{Code: 400})))

	timedOut := classifyError(fmt.Errorf("dry run: %w", context.DeadlineExceeded))
	assert.False(t, apperrors.IsTransient(timedOut))
	assert.False(t, errors.As(timedOut, &connErr))
}
