package mediator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Registers the pgx driver with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/output"
	"github.com/queryportal/scriptworker/internal/sandbox"
)

// connectTimeoutSecs is passed to the server as a backstop: the worker
// never enforces deadlines itself, so a stuck connect must be bounded
// server-side.
const connectTimeoutSecs = 10

// postgresSession mediates one Postgres connection. Every call runs in
// its own transaction with separately bound parameters; failures roll
// back and leave the session usable.
type postgresSession struct {
	db       *sql.DB
	rec      *output.Recorder
	logger   *slog.Logger
	readonly bool
	seq      int
	closed   bool
}

func openPostgres(ctx context.Context, cfg *config.ExecutionConfig, rec *output.Recorder, logger *slog.Logger) (Session, error) {
	dsn := buildPostgresDSN(cfg)

	logger.Debug("connecting to postgres",
		slog.String("host", cfg.Instance.Host),
		slog.String("database", cfg.DatabaseName))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &DatabaseError{Op: "connect", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &DatabaseError{Op: "connect", Err: err}
	}

	return &postgresSession{
		db:       db,
		rec:      rec,
		logger:   logger,
		readonly: cfg.Readonly,
	}, nil
}

// buildPostgresDSN constructs a key=value connection string from the
// instance parameters.
func buildPostgresDSN(cfg *config.ExecutionConfig) string {
	host := cfg.Instance.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Instance.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=disable connect_timeout=%d",
		host, port, cfg.DatabaseName, connectTimeoutSecs)

	if cfg.Instance.User != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Instance.User)
	}
	if cfg.Instance.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Instance.Password)
	}
	return dsn
}

func (s *postgresSession) Handle() starlark.Value {
	return &pgHandle{s: s}
}

func (s *postgresSession) Ops() int {
	return s.seq
}

// Close releases the connection. Idempotent; a driver close error is
// logged and swallowed because finalization must never fail.
func (s *postgresSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Debug("postgres close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// leadingKeyword extracts the first word of a statement, uppercased.
func leadingKeyword(sqlText string) string {
	fields := strings.Fields(sqlText)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// returnsRows reports whether a statement with this leading keyword
// produces a row set.
func returnsRows(keyword string) bool {
	switch keyword {
	case "SELECT", "WITH", "SHOW", "EXPLAIN", "VALUES":
		return true
	}
	return false
}

// Query executes one statement in its own transaction and returns the
// script-visible result shape. The session's operation counter
// increments exactly once per call, success or failure.
func (s *postgresSession) Query(ctx context.Context, sqlText string, params []any) (map[string]any, error) {
	s.seq++
	n := s.seq
	start := time.Now()
	keyword := leadingKeyword(sqlText)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.readonly})
	if err != nil {
		return nil, s.fail(n, sqlText, err)
	}

	if returnsRows(keyword) {
		rows, err := tx.QueryContext(ctx, sqlText, params...)
		if err != nil {
			_ = tx.Rollback()
			return nil, s.fail(n, sqlText, err)
		}
		fields, mapped, err := scanRows(rows)
		if err != nil {
			_ = tx.Rollback()
			return nil, s.fail(n, sqlText, err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return nil, s.fail(n, sqlText, err)
		}

		durationMs := time.Since(start).Milliseconds()
		s.rec.Query(
			fmt.Sprintf("Query %d (%s): %d rows in %dms", n, keyword, len(mapped), durationMs),
			map[string]any{
				"queryNumber": n,
				"queryType":   keyword,
				"sql":         truncateStatement(sqlText),
				"duration":    fmt.Sprintf("%dms", durationMs),
				"rowCount":    len(mapped),
			})
		return map[string]any{
			"rows":     mapped,
			"rowCount": len(mapped),
			"fields":   fields,
		}, nil
	}

	res, err := tx.ExecContext(ctx, sqlText, params...)
	if err != nil {
		_ = tx.Rollback()
		return nil, s.fail(n, sqlText, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, s.fail(n, sqlText, err)
	}

	durationMs := time.Since(start).Milliseconds()
	s.rec.Query(
		fmt.Sprintf("Query %d (%s): %d rows affected in %dms", n, keyword, affected, durationMs),
		map[string]any{
			"queryNumber":  n,
			"queryType":    keyword,
			"sql":          truncateStatement(sqlText),
			"duration":     fmt.Sprintf("%dms", durationMs),
			"rowsAffected": affected,
		})
	return map[string]any{
		"rows":         []any{},
		"rowCount":     affected,
		"rowsAffected": affected,
	}, nil
}

// Execute runs a statement and returns only the affected-row count.
func (s *postgresSession) Execute(ctx context.Context, sqlText string, params []any) (int64, error) {
	result, err := s.Query(ctx, sqlText, params)
	if err != nil {
		return 0, err
	}
	if affected, ok := result["rowsAffected"].(int64); ok {
		return affected, nil
	}
	return 0, nil
}

// fail records the error event for a failed call and wraps the cause.
func (s *postgresSession) fail(n int, sqlText string, err error) error {
	s.rec.Error(
		fmt.Sprintf("Query %d failed: %v", n, err),
		map[string]any{
			"queryNumber": n,
			"error":       err.Error(),
			"sql":         truncateStatement(sqlText),
		})
	return &DatabaseError{Op: fmt.Sprintf("query %d", n), Err: err}
}

// scanRows materializes a row set into ordered field names and one
// map per row. Byte slices become strings so results serialize as
// text rather than base64.
func scanRows(rows *sql.Rows) ([]string, []map[string]any, error) {
	defer func() { _ = rows.Close() }()

	fields, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var mapped []map[string]any
	for rows.Next() {
		vals := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]any, len(fields))
		for i, name := range fields {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[name] = v
		}
		mapped = append(mapped, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return fields, mapped, nil
}

// pgHandle is the `db` value a Postgres-backed script sees.
type pgHandle struct {
	s *postgresSession
}

var _ starlark.HasAttrs = (*pgHandle)(nil)

func (h *pgHandle) String() string        { return "<database postgresql>" }
func (h *pgHandle) Type() string          { return "database" }
func (h *pgHandle) Freeze()               {}
func (h *pgHandle) Truth() starlark.Bool  { return starlark.True }
func (h *pgHandle) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: database") }

func (h *pgHandle) AttrNames() []string {
	return []string{"execute", "query"}
}

func (h *pgHandle) Attr(name string) (starlark.Value, error) {
	switch name {
	case "query":
		return starlark.NewBuiltin("db.query", h.queryBuiltin), nil
	case "execute":
		return starlark.NewBuiltin("db.execute", h.executeBuiltin), nil
	}
	return nil, nil
}

func (h *pgHandle) queryBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sqlText, params, err := unpackStatement(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	result, err := h.s.Query(context.Background(), sqlText, params)
	if err != nil {
		return nil, err
	}
	return sandbox.GoToStarlark(result)
}

func (h *pgHandle) executeBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sqlText, params, err := unpackStatement(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	affected, err := h.s.Execute(context.Background(), sqlText, params)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(affected), nil
}

// unpackStatement parses (sql, params=None) where params is a list or
// tuple of bind values.
func unpackStatement(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (string, []any, error) {
	var sqlText string
	var paramsVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &sqlText, "params?", &paramsVal); err != nil {
		return "", nil, err
	}

	if paramsVal == nil || paramsVal == starlark.None {
		return sqlText, nil, nil
	}

	iterable, ok := paramsVal.(starlark.Iterable)
	if !ok {
		return "", nil, fmt.Errorf("%s: params must be a list or tuple, got %s", b.Name(), paramsVal.Type())
	}

	var params []any
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		gv, err := sandbox.ToGo(x)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		params = append(params, gv)
	}
	return sqlText, params, nil
}
