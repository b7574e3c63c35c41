package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

func TestParseTableIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    TableIdentity
		wantErr bool
	}{
		{"orders", TableIdentity{Table: "orders"}, false},
		{"sales.orders", TableIdentity{Schema: "sales", Table: "orders"}, false},
		{"proj.analytics.events", TableIdentity{Database: "proj", Schema: "analytics", Table: "events"}, false},
		{" analytics.events ", TableIdentity{Schema: "analytics", Table: "events"}, false},
		{"", TableIdentity{}, true},
		{"a..b", TableIdentity{}, true},
		{"a.b.c.d", TableIdentity{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTableIdentity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableIdentityString(t *testing.T) {
	assert.Equal(t, "proj.analytics.events", TableIdentity{"proj", "analytics", "events"}.String())
	assert.Equal(t, "events", TableIdentity{Table: "events"}.String())
	assert.NotEqual(t, TableIdentity{Table: "Events"}, TableIdentity{Table: "events"})
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "12.5", FormatPercent(12.5))
	assert.Equal(t, "100", FormatPercent(250))
	assert.Equal(t, "0.0001", FormatPercent(0))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "abc", NormalizeValue([]byte("abc")))
	assert.Equal(t, int64(3), NormalizeValue(int64(3)))
	assert.Nil(t, NormalizeValue(nil))
}

func TestIsConnectionFailure(t *testing.T) {
	assert.True(t, IsConnectionFailure(driver.ErrBadConn))
	assert.True(t, IsConnectionFailure(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, IsConnectionFailure(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, IsConnectionFailure(errors.New("relation does not exist")))
	assert.False(t, IsConnectionFailure(fmt.Errorf("sample query: %w", context.DeadlineExceeded)))
	assert.False(t, IsConnectionFailure(context.Canceled))
}

func TestClassifyErrorLeavesTimeouts(t *testing.T) {
	err := classifyError(fmt.Errorf("query: %w", context.DeadlineExceeded))
	assert.False(t, apperrors.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
