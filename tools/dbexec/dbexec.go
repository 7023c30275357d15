// Package dbexec implements tools.Executor for database tools. One dispatcher
// fans out on the spec's provider: Postgres through a pgx pool, SQLite and
// MySQL through database/sql, DynamoDB through the AWS SDK. Connections are
// pooled per DSN and live until Close.
//
// SQL queries use named parameters (":name") bound from the tool arguments,
// rewritten to each driver's placeholder style.
package dbexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
)

type (
	// Executor dispatches database tool calls by provider.
	Executor struct {
		postgres *PostgresExecutor
		sqlite   *SQLExecutor
		mysql    *SQLExecutor
		dynamo   *DynamoExecutor
	}

	// Option configures the dispatcher and its providers.
	Option func(*config)

	config struct {
		logger        telemetry.Logger
		dynamoFactory DynamoClientFactory
	}
)

// WithLogger sets the logger shared by all providers.
func WithLogger(l telemetry.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithDynamoClientFactory overrides DynamoDB client construction, e.g. to
// point tests at a local endpoint.
func WithDynamoClientFactory(f DynamoClientFactory) Option {
	return func(c *config) { c.dynamoFactory = f }
}

// New builds the dispatcher with all four providers. Connections open lazily
// on first use per DSN.
func New(opts ...Option) *Executor {
	cfg := config{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{
		postgres: NewPostgres(cfg.logger),
		sqlite:   NewSQLite(cfg.logger),
		mysql:    NewMySQL(cfg.logger),
		dynamo:   NewDynamo(cfg.logger, cfg.dynamoFactory),
	}
}

// Execute implements tools.Executor.
func (e *Executor) Execute(ctx context.Context, spec *tools.Spec, args map[string]any) (*tools.ExecOutput, error) {
	ds := spec.DB
	if ds == nil {
		return nil, tools.NewError(tools.KindValidation, "tool %q has no db config", spec.Name())
	}
	switch ds.Provider {
	case tools.ProviderPostgres:
		return e.postgres.Execute(ctx, spec, args)
	case tools.ProviderSQLite:
		return e.sqlite.Execute(ctx, spec, args)
	case tools.ProviderMySQL:
		return e.mysql.Execute(ctx, spec, args)
	case tools.ProviderDynamoDB:
		return e.dynamo.Execute(ctx, spec, args)
	default:
		return nil, tools.NewError(tools.KindValidation, "unknown db provider %q", ds.Provider)
	}
}

// Close releases all pooled connections.
func (e *Executor) Close() error {
	return errors.Join(
		e.postgres.Close(),
		e.sqlite.Close(),
		e.mysql.Close(),
	)
}

// placeholder styles for bindNamed.
const (
	styleDollar   = "$" // postgres: $1, $2, ...
	styleQuestion = "?" // sqlite, mysql
)

// bindNamed rewrites ":name" parameters to positional placeholders and
// returns the bound values in order. Text inside single quotes is left alone,
// as are "::" casts. Unknown names fail so typos surface before the driver
// does something surprising.
func bindNamed(query string, args map[string]any, style string) (string, []any, error) {
	var (
		sb       strings.Builder
		bound    []any
		inQuote  bool
		i        int
		ordinals = make(map[string]int)
	)
	for i < len(query) {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			sb.WriteByte(ch)
			i++
		case inQuote:
			sb.WriteByte(ch)
			i++
		case ch == ':' && i+1 < len(query) && query[i+1] == ':':
			sb.WriteString("::")
			i += 2
		case ch == ':' && i+1 < len(query) && isIdentStart(rune(query[i+1])):
			j := i + 1
			for j < len(query) && isIdentPart(rune(query[j])) {
				j++
			}
			name := query[i+1 : j]
			v, ok := args[name]
			if !ok {
				return "", nil, tools.NewError(tools.KindValidation,
					"query references parameter %q not present in arguments", name).
					WithDetails("parameter", name)
			}
			if style == styleDollar {
				ord, seen := ordinals[name]
				if !seen {
					bound = append(bound, v)
					ord = len(bound)
					ordinals[name] = ord
				}
				fmt.Fprintf(&sb, "$%d", ord)
			} else {
				bound = append(bound, v)
				sb.WriteByte('?')
			}
			i = j
		default:
			sb.WriteByte(ch)
			i++
		}
	}
	return sb.String(), bound, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// isRowQuery reports whether the statement returns rows.
func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}
