package dbexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
)

// PostgresExecutor runs Postgres tools over pgx pools, one pool per DSN.
type PostgresExecutor struct {
	logger telemetry.Logger

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewPostgres builds the executor. Pools open on first use.
func NewPostgres(logger telemetry.Logger) *PostgresExecutor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &PostgresExecutor{logger: logger, pools: make(map[string]*pgxpool.Pool)}
}

// Execute implements tools.Executor.
func (e *PostgresExecutor) Execute(ctx context.Context, spec *tools.Spec, args map[string]any) (*tools.ExecOutput, error) {
	ds := spec.DB
	if ds.DSN == "" || ds.Query == "" {
		return nil, tools.NewError(tools.KindValidation, "postgres tool %q needs dsn and query", spec.Name())
	}
	pool, err := e.pool(ctx, ds.DSN)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "connecting to postgres failed")
	}
	query, bound, err := bindNamed(ds.Query, args, styleDollar)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, bound...)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "postgres query failed")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	var results []map[string]any
	for rows.Next() {
		if ds.MaxRows > 0 && len(results) >= ds.MaxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, tools.WrapError(tools.KindExecution, err, "scanning postgres row failed")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "reading postgres rows failed")
	}
	affected := rows.CommandTag().RowsAffected()

	e.logger.Debug(ctx, "postgres tool query",
		"tool", spec.Name(), "rows", len(results), "affected", affected)
	return &tools.ExecOutput{
		Content: map[string]any{
			"rows":          results,
			"row_count":     len(results),
			"rows_affected": affected,
		},
		Usage: map[string]any{"rows_affected": affected},
	}, nil
}

func (e *PostgresExecutor) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[dsn]; ok {
		return p, nil
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	e.pools[dsn] = p
	return p, nil
}

// Close drains every pool.
func (e *PostgresExecutor) Close() error {
	e.mu.Lock()
	pools := e.pools
	e.pools = make(map[string]*pgxpool.Pool)
	e.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
	return nil
}

var _ tools.Executor = (*PostgresExecutor)(nil)

// normalizeValue converts driver types into JSON-shaped values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}
