package engine

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/mediator"
	"github.com/queryportal/scriptworker/internal/output"
)

// fakeSession stands in for a database session so engine behavior can
// be observed without a server. The handle exposes a "query" attribute
// that fails with a database error and a "boom" attribute that panics.
type fakeSession struct {
	closeCount int
	ops        int
}

func (f *fakeSession) Handle() starlark.Value { return &fakeHandle{s: f} }
func (f *fakeSession) Ops() int               { return f.ops }

func (f *fakeSession) Close() error {
	f.closeCount++
	return nil
}

type fakeHandle struct {
	s *fakeSession
}

var _ starlark.HasAttrs = (*fakeHandle)(nil)

func (h *fakeHandle) String() string        { return "<database>" }
func (h *fakeHandle) Type() string          { return "database" }
func (h *fakeHandle) Freeze()               {}
func (h *fakeHandle) Truth() starlark.Bool  { return starlark.True }
func (h *fakeHandle) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: database") }
func (h *fakeHandle) AttrNames() []string   { return []string{"query", "boom"} }

func (h *fakeHandle) Attr(name string) (starlark.Value, error) {
	switch name {
	case "query":
		return starlark.NewBuiltin("db.query", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			h.s.ops++
			return nil, &mediator.DatabaseError{Op: "query 1", Err: fmt.Errorf("connection reset")}
		}), nil
	case "boom":
		return starlark.NewBuiltin("db.boom", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			panic("handle invariant violated")
		}), nil
	}
	return nil, nil
}

func newTestEngine(sess *fakeSession) *Engine {
	return New(slog.New(slog.DiscardHandler), WithOpener(
		func(_ context.Context, _ *config.ExecutionConfig, _ *output.Recorder, _ *slog.Logger) (mediator.Session, error) {
			return sess, nil
		}))
}

func scriptConfig(script string) *config.ExecutionConfig {
	return &config.ExecutionConfig{
		ScriptContent: script,
		DatabaseType:  config.DatabasePostgres,
		DatabaseName:  "orders",
	}
}

func TestExecute_PrintProducesSingleInfoEvent(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig(`print("x")`))

	assert.True(t, res.Success)
	assert.Nil(t, res.Error)
	require.Len(t, res.Output, 1)
	assert.Equal(t, output.TypeInfo, res.Output[0].Type)
	assert.Equal(t, "x", res.Output[0].Message)

	assert.Equal(t, 1, sess.closeCount)
	assert.Equal(t, StateClosed, e.State())
}

func TestExecute_ResultGlobal(t *testing.T) {
	e := newTestEngine(&fakeSession{})

	res := e.Execute(context.Background(), scriptConfig(`result = {"rows": [1, 2], "ok": True}`))

	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"rows": []any{int64(1), int64(2)}, "ok": true}, res.Result)
}

func TestExecute_NoResultGlobal(t *testing.T) {
	e := newTestEngine(&fakeSession{})

	res := e.Execute(context.Background(), scriptConfig(`x = 1`))

	require.True(t, res.Success)
	assert.Nil(t, res.Result)
}

func TestExecute_ImportRejected(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig(`load("os", "getenv")`))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindImportRejected, res.Error.Type)
	assert.Contains(t, res.Error.Message, `module "os" is not allowed`)

	// The violation is also visible in the captured output.
	require.NotEmpty(t, res.Output)
	last := res.Output[len(res.Output)-1]
	assert.Equal(t, output.TypeError, last.Type)

	assert.Equal(t, 1, sess.closeCount)
}

func TestExecute_SyntaxError(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig("def broken(\n"))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindSyntaxError, res.Error.Type)
	assert.Contains(t, res.Error.Message, "Line")

	// Compilation happens after the session opens, so close still runs.
	assert.Equal(t, 1, sess.closeCount)
	assert.Equal(t, StateClosed, e.State())
}

func TestExecute_RuntimeError(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig(`fail("boom")`))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindRuntimeError, res.Error.Type)
	assert.Contains(t, res.Error.Message, "boom")
	assert.Equal(t, 1, sess.closeCount)
}

func TestExecute_DatabaseErrorFromHandle(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig(`db.query("SELECT 1")`))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindDatabaseError, res.Error.Type)
	assert.Contains(t, res.Error.Message, "connection reset")
	assert.Equal(t, 1, sess.closeCount)
}

func TestExecute_PanicBecomesWorkerError(t *testing.T) {
	sess := &fakeSession{}
	e := newTestEngine(sess)

	res := e.Execute(context.Background(), scriptConfig(`db.boom()`))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindWorkerError, res.Error.Type)
	assert.Contains(t, res.Error.Message, "internal fault")

	// The panic path still closes the session exactly once.
	assert.Equal(t, 1, sess.closeCount)
	assert.Equal(t, StateClosed, e.State())
}

func TestExecute_UnsupportedDatabaseType(t *testing.T) {
	// Default opener: classification happens before any connection.
	e := New(slog.New(slog.DiscardHandler))

	res := e.Execute(context.Background(), &config.ExecutionConfig{
		ScriptContent: `print("never runs")`,
		DatabaseType:  "oracle",
		DatabaseName:  "orders",
	})

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindUnsupportedDatabaseType, res.Error.Type)
	assert.Contains(t, res.Error.Message, "oracle")
	assert.Equal(t, StateClosed, e.State())
}

func TestExecute_OpenFailure(t *testing.T) {
	e := New(slog.New(slog.DiscardHandler), WithOpener(
		func(_ context.Context, _ *config.ExecutionConfig, _ *output.Recorder, _ *slog.Logger) (mediator.Session, error) {
			return nil, &mediator.DatabaseError{Op: "connect", Err: fmt.Errorf("refused")}
		}))

	res := e.Execute(context.Background(), scriptConfig(`print("never runs")`))

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindDatabaseError, res.Error.Type)

	require.Len(t, res.Output, 1)
	assert.Equal(t, output.TypeError, res.Output[0].Type)
}

func TestExecute_ModuleUseInsideScript(t *testing.T) {
	e := newTestEngine(&fakeSession{})

	res := e.Execute(context.Background(), scriptConfig(`
data = json.decode('{"n": 5}')
result = data["n"] * 2
`))

	require.True(t, res.Success, "error: %+v", res.Error)
	assert.Equal(t, int64(10), res.Result)
}

func TestExecute_FailureOutputMentionsScript(t *testing.T) {
	e := newTestEngine(&fakeSession{})

	res := e.Execute(context.Background(), scriptConfig(`fail("nope")`))

	require.NotEmpty(t, res.Output)
	last := res.Output[len(res.Output)-1]
	assert.Contains(t, last.Message, "Script failed:")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}
