// Package collector runs the fixed WAL query set against a target and
// assembles the results into a WalSnapshot.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

// Queryer is the part of a session the runner needs.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Shape is the number of rows a query is expected to return.
type Shape int

const (
	SingleRow Shape = iota
	ManyRows
)

// MetricQuery is an immutable query descriptor: SQL plus the parser for its rows.
type MetricQuery[T any] struct {
	Name  string
	SQL   string
	Shape Shape
	Parse func(rows []Row) (T, error)
}

// Run executes mq on q with a per-query timeout and parses the rows. Every
// failure is returned as a *errors.QueryError carrying the query name.
func Run[T any](ctx context.Context, q Queryer, mq MetricQuery[T], timeout time.Duration) (T, error) {
	var zero T

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, err := q.Query(ctx, mq.SQL)
	if err != nil {
		return zero, walerrors.NewQueryError(mq.Name, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return zero, walerrors.NewQueryError(mq.Name, err)
	}

	if mq.Shape == SingleRow && len(records) != 1 {
		return zero, walerrors.NewQueryError(mq.Name, fmt.Errorf("expected 1 row, got %d", len(records)))
	}

	value, err := mq.Parse(records)
	if err != nil {
		return zero, walerrors.NewQueryError(mq.Name, err)
	}
	return value, nil
}

// parseEach applies fn to every row, failing on the first bad row.
func parseEach[T any](rows []Row, fn func(r *rowReader) T) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		r := newRowReader(row)
		v := fn(r)
		if r.err != nil {
			return nil, fmt.Errorf("row %d: %w", i, r.err)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseOne applies fn to the single row of a SingleRow query.
func parseOne[T any](rows []Row, fn func(r *rowReader) T) (T, error) {
	r := newRowReader(rows[0])
	v := fn(r)
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return v, nil
}
