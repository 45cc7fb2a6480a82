// Package mediator wraps the native database drivers behind audited
// session facades exposed to sandboxed scripts. A session is owned by
// exactly one execution: it is opened after the database type is
// validated, audited on every call through the output recorder, and
// closed exactly once at finalization.
package mediator

import (
	"context"
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/output"
)

// Session is one open database connection scoped to a single script
// execution.
type Session interface {
	// Handle returns the `db` value bound into the script namespace.
	Handle() starlark.Value

	// Close releases the connection. It is idempotent, never returns
	// an error to the caller's control flow decisions (the error is
	// informational), and is safe to call on a half-open session.
	Close() error

	// Ops returns the number of audited operations performed so far.
	Ops() int
}

// DatabaseError reports a failed query or operation. The transaction
// (if any) has been rolled back; the session remains usable for
// further calls within the same script.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// UnsupportedTypeError reports a database type outside the supported
// set. No connection is attempted for such a config.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported database type: %s", e.Type)
}

// Open validates the database type and establishes the session for
// this execution. Audit events for every subsequent operation go to
// the recorder; operational chatter goes to the logger only.
func Open(ctx context.Context, cfg *config.ExecutionConfig, rec *output.Recorder, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.DatabaseType {
	case config.DatabasePostgres:
		return openPostgres(ctx, cfg, rec, logger)
	case config.DatabaseMongo:
		return openMongo(ctx, cfg, rec, logger)
	default:
		return nil, &UnsupportedTypeError{Type: cfg.DatabaseType}
	}
}

// statementLimit caps statement text embedded in audit events.
const statementLimit = 200

// truncateStatement shortens statement/operation text for audit
// extras.
func truncateStatement(s string) string {
	if len(s) <= statementLimit {
		return s
	}
	return s[:statementLimit] + "..."
}

// filterLimit caps filter representations embedded in audit events.
const filterLimit = 100

func truncateFilter(s string) string {
	if len(s) <= filterLimit {
		return s
	}
	return s[:filterLimit]
}
