package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

func TestParseTablesFlag(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []TableSelection
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{
			name: "tables and columns",
			in:   "public.orders[id, status],users,shop.sales.events",
			want: []TableSelection{
				{Table: database.TableIdentity{Schema: "public", Table: "orders"}, Columns: []string{"id", "status"}},
				{Table: database.TableIdentity{Table: "users"}},
				{Table: database.TableIdentity{Database: "shop", Schema: "sales", Table: "events"}},
			},
		},
		{name: "empty brackets select all", in: "orders[]", want: []TableSelection{{Table: database.TableIdentity{Table: "orders"}}}},
		{name: "missing bracket", in: "orders[id,status", wantErr: true},
		{name: "stray bracket", in: "orders]", wantErr: true},
		{name: "bad identifier", in: "a..b", wantErr: true},
		{name: "duplicate", in: "orders,orders[id]", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTablesFlag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitOutsideBrackets(t *testing.T) {
	assert.Equal(t, []string{"a[x,y]", "b", "c[z]"}, SplitOutsideBrackets("a[x,y],b,c[z]"))
}

func TestReadContextFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	require.NoError(t, os.WriteFile(a, []byte("status 3 means refunded\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("amounts are in cents"), 0o644))

	got, err := ReadContextFiles(a + ", " + b)
	require.NoError(t, err)
	assert.Contains(t, got, "-- Context from file: "+a+" --\nstatus 3 means refunded\n")
	assert.Contains(t, got, "amounts are in cents")

	got, err = ReadContextFiles("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadContextFiles(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}

func TestGetDefaultOutputFilePath(t *testing.T) {
	table := database.TableIdentity{Schema: "public", Table: "orders"}
	assert.Equal(t, "public.orders_metadata.json", GetDefaultOutputFilePath(table, ""))
	assert.Equal(t, "public.orders_metadata.yaml", GetDefaultOutputFilePath(table, "yaml"))
	assert.Equal(t, "public.orders_metadata.txt", GetDefaultOutputFilePath(table, "text"))
}

func TestWriteOutput(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, WriteOutput("-", []byte("hello"), &stdout))
	assert.Equal(t, "hello", stdout.String())

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteOutput(path, []byte("{}"), &stdout))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
