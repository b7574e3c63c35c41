package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

// ScanRows materializes rows into Row maps. Byte slices are converted to
// strings so values can be classified and serialized.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("error reading result columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning result row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = NormalizeValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return result, nil
}

// NormalizeValue converts driver values to plain Go values.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case sql.RawBytes:
		return string(x)
	}
	return v
}

// FormatPercent renders a sampling percentage for TABLESAMPLE clauses.
func FormatPercent(p float64) string {
	if p <= 0 {
		p = 0.0001
	}
	if p > 100 {
		p = 100
	}
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// classifyError maps transport failures to ConnectionError and leaves every
// other error untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var connErr *apperrors.ConnectionError
	var schemaErr *apperrors.SchemaNotFoundError
	if errors.As(err, &connErr) || errors.As(err, &schemaErr) {
		return err
	}
	if IsConnectionFailure(err) {
		return &apperrors.ConnectionError{Msg: "database unreachable", Err: err}
	}
	return err
}

// IsConnectionFailure reports whether err was caused by the transport rather
// than the statement. Deadlines and cancellations are never transport
// failures even though context.DeadlineExceeded satisfies net.Error.
func IsConnectionFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
