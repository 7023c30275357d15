package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver

	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
)

// SQLExecutor runs SQLite and MySQL tools through database/sql, one DB handle
// per DSN.
type SQLExecutor struct {
	driverName string
	provider   tools.DBProvider
	logger     telemetry.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLite builds the executor for the modernc sqlite driver.
func NewSQLite(logger telemetry.Logger) *SQLExecutor {
	return newSQL("sqlite", tools.ProviderSQLite, logger)
}

// NewMySQL builds the executor for the go-sql-driver mysql driver.
func NewMySQL(logger telemetry.Logger) *SQLExecutor {
	return newSQL("mysql", tools.ProviderMySQL, logger)
}

func newSQL(driverName string, provider tools.DBProvider, logger telemetry.Logger) *SQLExecutor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SQLExecutor{
		driverName: driverName,
		provider:   provider,
		logger:     logger,
		dbs:        make(map[string]*sql.DB),
	}
}

// Execute implements tools.Executor.
func (e *SQLExecutor) Execute(ctx context.Context, spec *tools.Spec, args map[string]any) (*tools.ExecOutput, error) {
	ds := spec.DB
	if ds.DSN == "" || ds.Query == "" {
		return nil, tools.NewError(tools.KindValidation,
			"%s tool %q needs dsn and query", e.provider, spec.Name())
	}
	db, err := e.db(ds.DSN)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "opening %s failed", e.provider)
	}
	query, bound, err := bindNamed(ds.Query, args, styleQuestion)
	if err != nil {
		return nil, err
	}

	if !isRowQuery(query) {
		res, err := db.ExecContext(ctx, query, bound...)
		if err != nil {
			return nil, tools.WrapError(tools.KindExecution, err, "%s statement failed", e.provider)
		}
		affected, _ := res.RowsAffected()
		content := map[string]any{"rows_affected": affected}
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			content["last_insert_id"] = id
		}
		return &tools.ExecOutput{
			Content: content,
			Usage:   map[string]any{"rows_affected": affected},
		}, nil
	}

	rows, err := db.QueryContext(ctx, query, bound...)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "%s query failed", e.provider)
	}
	defer rows.Close()
	results, err := collectRows(rows, ds.MaxRows)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "reading %s rows failed", e.provider)
	}
	e.logger.Debug(ctx, "sql tool query", "tool", spec.Name(), "provider", e.provider, "rows", len(results))
	return &tools.ExecOutput{
		Content: map[string]any{
			"rows":      results,
			"row_count": len(results),
		},
	}, nil
}

func (e *SQLExecutor) db(dsn string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open(e.driverName, dsn)
	if err != nil {
		return nil, err
	}
	e.dbs[dsn] = db
	return db, nil
}

// Close closes every open handle.
func (e *SQLExecutor) Close() error {
	e.mu.Lock()
	dbs := e.dbs
	e.dbs = make(map[string]*sql.DB)
	e.mu.Unlock()
	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ tools.Executor = (*SQLExecutor)(nil)

// collectRows scans every row into a column-keyed map, capping at maxRows
// when positive.
func collectRows(rows *sql.Rows, maxRows int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	for rows.Next() {
		if maxRows > 0 && len(results) >= maxRows {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}
