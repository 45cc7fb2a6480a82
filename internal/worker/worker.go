// Package worker implements the stdin/stdout execution protocol: one
// configuration document in, one result document out, exit code from
// the outcome. Stdout carries nothing but the result JSON.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/engine"
	"github.com/queryportal/scriptworker/internal/output"
)

// Exit codes for the wrapping process.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Worker runs one execution per invocation.
type Worker struct {
	logger     *slog.Logger
	engineOpts []engine.Option
}

// Option configures a Worker.
type Option func(*Worker)

// WithEngineOptions forwards options to the engine, which lets tests
// substitute the session opener.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(w *Worker) {
		w.engineOpts = append(w.engineOpts, opts...)
	}
}

// New creates a worker. A nil logger discards operational logging.
func New(logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Worker{logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run reads the configuration from stdin, executes it, and writes the
// result document to stdout. It returns the process exit code and
// never panics.
func (w *Worker) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	res := w.execute(ctx, stdin)

	if err := writeResult(stdout, res); err != nil {
		// Last resort: a hand-assembled document that cannot fail to
		// serialize, so the caller always sees valid JSON.
		w.logger.Error("failed to serialize result", slog.String("error", err.Error()))
		fmt.Fprintf(stdout, `{"success":false,"result":null,"output":[],"error":{"type":%q,"message":%q}}%s`,
			engine.KindWorkerError, "failed to serialize result: "+err.Error(), "\n")
		return ExitFailure
	}

	if res.Success {
		return ExitSuccess
	}
	return ExitFailure
}

func (w *Worker) execute(ctx context.Context, stdin io.Reader) (res *engine.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in worker", slog.Any("panic", r))
			res = failure(engine.KindWorkerError, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	doc, err := io.ReadAll(stdin)
	if err != nil {
		return failure(engine.KindWorkerError, "failed to read configuration: "+err.Error())
	}

	cfg, err := config.Parse(doc)
	if err != nil {
		return failure(engine.KindConfigError, err.Error())
	}

	// timeoutMillis is informational. The supervisor owns the deadline
	// and kills the process on overrun.
	if cfg.TimeoutMillis > 0 {
		w.logger.Debug("supervisor deadline", slog.Int("timeout_ms", cfg.TimeoutMillis))
	}

	eng := engine.New(w.logger, w.engineOpts...)
	return eng.Execute(ctx, cfg)
}

// failure builds a result for errors raised before any script ran.
func failure(kind, msg string) *engine.Result {
	return &engine.Result{
		Success: false,
		Output:  []output.Event{},
		Error:   &engine.ErrorInfo{Type: kind, Message: msg},
	}
}

// writeResult emits the result as a single JSON line.
func writeResult(stdout io.Writer, res *engine.Result) error {
	if res.Output == nil {
		res.Output = []output.Event{}
	}
	enc := json.NewEncoder(stdout)
	return enc.Encode(res)
}
