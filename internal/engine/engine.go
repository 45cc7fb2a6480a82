// Package engine runs one sandboxed script against an open database
// session and classifies the outcome. It owns the execution state
// machine and the guarantee that the session is closed exactly once on
// every path out of a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/mediator"
	"github.com/queryportal/scriptworker/internal/output"
	"github.com/queryportal/scriptworker/internal/sandbox"
)

// scriptFilename appears in positions within script error messages.
const scriptFilename = "<script>"

// Error kinds reported in the result document.
const (
	KindConfigError             = "ConfigError"
	KindUnsupportedDatabaseType = "UnsupportedDatabaseType"
	KindImportRejected          = "ImportRejected"
	KindSyntaxError             = "SyntaxError"
	KindDatabaseError           = "DatabaseError"
	KindRuntimeError            = "RuntimeError"
	KindWorkerError             = "WorkerError"
)

// State tracks one execution through its lifecycle. Every execution
// terminates in StateClosed.
type State int

const (
	StateIdle State = iota
	StateConfigParsed
	StateDbConnecting
	StateDbConnected
	StateRunning
	StateSucceeded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigParsed:
		return "config_parsed"
	case StateDbConnecting:
		return "db_connecting"
	case StateDbConnected:
		return "db_connected"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrorInfo is the error half of the result document.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the single externally visible artifact of an execution.
type Result struct {
	Success bool           `json:"success"`
	Result  any            `json:"result"`
	Output  []output.Event `json:"output"`
	Error   *ErrorInfo     `json:"error,omitempty"`
}

// Opener establishes the database session for an execution. The
// default is mediator.Open; tests substitute counting fakes.
type Opener func(ctx context.Context, cfg *config.ExecutionConfig, rec *output.Recorder, logger *slog.Logger) (mediator.Session, error)

// Engine executes one script per call. It is not safe for concurrent
// use; the worker process model is one execution at a time.
type Engine struct {
	logger *slog.Logger
	open   Opener
	state  State
}

// Option configures an Engine.
type Option func(*Engine)

// WithOpener overrides how database sessions are established.
func WithOpener(open Opener) Option {
	return func(e *Engine) {
		e.open = open
	}
}

// New creates an engine. A nil logger discards operational logging.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		logger: logger,
		open:   mediator.Open,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// Execute runs the configured script and returns the result document.
// The recorder captures only script-visible output; operational
// logging goes to the engine's logger on stderr.
func (e *Engine) Execute(ctx context.Context, cfg *config.ExecutionConfig) *Result {
	rec := output.NewRecorder()
	e.state = StateConfigParsed

	execID := uuid.NewString()
	logger := e.logger.With(
		slog.String("execution_id", execID),
		slog.String("database", cfg.DatabaseName),
		slog.String("database_type", cfg.DatabaseType),
	)
	logger.Info("starting script execution", slog.String("instance", instanceLabel(cfg)))

	e.state = StateDbConnecting
	sess, err := e.open(ctx, cfg, rec, logger)
	if err != nil {
		e.state = StateFailed
		kind := KindDatabaseError
		var unsupported *mediator.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			kind = KindUnsupportedDatabaseType
		}
		logger.Error("session open failed", slog.String("kind", kind), slog.String("error", err.Error()))
		rec.Error("Script failed: "+err.Error(), nil)
		e.state = StateClosed
		return &Result{
			Success: false,
			Output:  rec.Events(),
			Error:   &ErrorInfo{Type: kind, Message: err.Error()},
		}
	}
	e.state = StateDbConnected

	// Close contract: exactly once, on every path, including a panic
	// inside the run.
	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			_ = sess.Close()
			e.state = StateClosed
		})
	}
	defer closeSession()

	res := e.run(cfg, sess, rec, execID, logger)

	closeSession()
	res.Output = rec.Events()
	return res
}

// run compiles and executes the script body and classifies the
// outcome. A panic below is a fault in the harness, not the script,
// and surfaces as WorkerError.
func (e *Engine) run(cfg *config.ExecutionConfig, sess mediator.Session, rec *output.Recorder, execID string, logger *slog.Logger) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.state = StateFailed
			msg := fmt.Sprintf("internal fault: %v", r)
			logger.Error("panic during script execution", slog.Any("panic", r))
			rec.Error(msg, nil)
			res = &Result{
				Success: false,
				Error:   &ErrorInfo{Type: KindWorkerError, Message: msg},
			}
		}
	}()

	predeclared := sandbox.Modules()
	predeclared["db"] = sess.Handle()

	_, prog, err := starlark.SourceProgramOptions(sandbox.FileOptions(), scriptFilename, cfg.ScriptContent, predeclared.Has)
	if err != nil {
		e.state = StateFailed
		msg := syntaxMessage(err)
		logger.Warn("script failed to compile", slog.String("error", msg))
		rec.Error("Syntax error: "+msg, nil)
		return &Result{
			Success: false,
			Error:   &ErrorInfo{Type: KindSyntaxError, Message: msg},
		}
	}

	e.state = StateRunning
	thread := &starlark.Thread{
		Name: "script:" + execID,
		Print: func(_ *starlark.Thread, msg string) {
			rec.Info(msg, nil)
		},
		Load: sandbox.Load,
	}

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		e.state = StateFailed
		kind, msg := classifyRunError(err)
		logger.Warn("script failed", slog.String("kind", kind), slog.String("error", msg))
		rec.Error("Script failed: "+msg, nil)
		return &Result{
			Success: false,
			Error:   &ErrorInfo{Type: kind, Message: msg},
		}
	}

	e.state = StateSucceeded
	logger.Info("script completed successfully", slog.Int("operations", sess.Ops()))

	return &Result{
		Success: true,
		Result:  scriptResult(globals),
	}
}

// scriptResult extracts the optional top-level `result` global.
func scriptResult(globals starlark.StringDict) any {
	v, ok := globals["result"]
	if !ok {
		return nil
	}
	gv, err := sandbox.ToGo(v)
	if err != nil {
		return v.String()
	}
	return gv
}

// syntaxMessage renders a compile failure with its line number.
func syntaxMessage(err error) string {
	var se syntax.Error
	if errors.As(err, &se) {
		return fmt.Sprintf("Line %d: %s", se.Pos.Line, se.Msg)
	}
	var rel resolve.ErrorList
	if errors.As(err, &rel) && len(rel) > 0 {
		return fmt.Sprintf("Line %d: %s", rel[0].Pos.Line, rel[0].Msg)
	}
	var re resolve.Error
	if errors.As(err, &re) {
		return fmt.Sprintf("Line %d: %s", re.Pos.Line, re.Msg)
	}
	return err.Error()
}

// classifyRunError maps an execution error to its result kind.
func classifyRunError(err error) (kind, msg string) {
	var rejected *sandbox.ImportRejectedError
	if errors.As(err, &rejected) {
		return KindImportRejected, rejected.Error()
	}
	var dbErr *mediator.DatabaseError
	if errors.As(err, &dbErr) {
		return KindDatabaseError, dbErr.Error()
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		// A failed load() can carry its cause in the message only.
		if strings.Contains(evalErr.Msg, "is not allowed. Allowed modules") {
			return KindImportRejected, evalErr.Msg
		}
		return KindRuntimeError, evalErr.Msg
	}
	return KindRuntimeError, err.Error()
}

func instanceLabel(cfg *config.ExecutionConfig) string {
	if cfg.Instance.ID != "" {
		return cfg.Instance.ID
	}
	return "unknown"
}
