package mediator

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/output"
)

func newMongoAuditSession() (*mongoSession, *output.Recorder) {
	rec := output.NewRecorder()
	return &mongoSession{rec: rec, logger: slog.New(slog.DiscardHandler)}, rec
}

func TestLogOp_QuerySeverity(t *testing.T) {
	s, rec := newMongoAuditSession()

	n := s.logOp("users", "find", map[string]any{"filter": "{}"})
	assert.Equal(t, 1, n)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, output.TypeQuery, events[0].Type)
	assert.Equal(t, "Op 1: users.find()", events[0].Message)
	assert.Equal(t, 1, events[0].Extras["opNumber"])
	assert.Equal(t, "find", events[0].Extras["operation"])
	assert.Equal(t, "users", events[0].Extras["collection"])
	assert.Equal(t, "{}", events[0].Extras["filter"])
}

func TestLogOp_CriticalSeverity(t *testing.T) {
	for _, op := range []string{"drop", "dropDatabase", "deleteMany"} {
		t.Run(op, func(t *testing.T) {
			s, rec := newMongoAuditSession()
			s.logOp("users", op, nil)

			events := rec.Events()
			require.Len(t, events, 1)
			assert.Equal(t, output.TypeWarn, events[0].Type)
			assert.Contains(t, events[0].Message, "CRITICAL: Op 1: users."+op)
		})
	}
}

func TestLogOp_CounterAdvancesPerCall(t *testing.T) {
	s, rec := newMongoAuditSession()

	s.logOp("users", "find", nil)
	s.logOp("users", "insertOne", nil)
	s.logOp("orders", "deleteMany", nil)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, 1, events[0].Extras["opNumber"])
	assert.Equal(t, 2, events[1].Extras["opNumber"])
	assert.Equal(t, 3, events[2].Extras["opNumber"])
	assert.Equal(t, 3, s.Ops())
}

func TestWarnEmptyDeleteMany_PrecedesAuditEvent(t *testing.T) {
	s, rec := newMongoAuditSession()

	// Same sequence the deleteMany builtin performs for an empty filter,
	// before the driver call.
	s.warnEmptyDeleteMany("users")
	s.logOp("users", "deleteMany", nil)

	events := rec.Events()
	require.Len(t, events, 2)

	assert.Equal(t, output.TypeWarn, events[0].Type)
	assert.Equal(t, "DELETING ALL DOCUMENTS", events[0].Extras["warning"])
	assert.Equal(t, "critical", events[0].Extras["risk"])
	assert.NotContains(t, events[0].Extras, "opNumber")

	assert.Contains(t, events[1].Message, "CRITICAL: Op 1: users.deleteMany()")
	assert.Equal(t, 1, events[1].Extras["opNumber"])
}

func TestMongoSession_CloseIdempotent(t *testing.T) {
	s, _ := newMongoAuditSession()

	// Never connected; close must still be safe and repeatable.
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestIsEmptyFilter(t *testing.T) {
	assert.True(t, isEmptyFilter(nil))
	assert.True(t, isEmptyFilter(starlark.None))
	assert.True(t, isEmptyFilter(starlark.NewDict(0)))

	d := starlark.NewDict(1)
	require.NoError(t, d.SetKey(starlark.String("status"), starlark.String("stale")))
	assert.False(t, isEmptyFilter(d))
}

func TestToBSON(t *testing.T) {
	d := starlark.NewDict(2)
	require.NoError(t, d.SetKey(starlark.String("age"), starlark.MakeInt(30)))
	require.NoError(t, d.SetKey(starlark.String("tags"), starlark.NewList([]starlark.Value{starlark.String("a")})))

	got, err := toBSON(d)
	require.NoError(t, err)

	doc, ok := got.(bson.D)
	require.True(t, ok)
	require.Len(t, doc, 2)
	// Insertion order survives the conversion.
	assert.Equal(t, "age", doc[0].Key)
	assert.Equal(t, int64(30), doc[0].Value)
	assert.Equal(t, "tags", doc[1].Key)
	assert.Equal(t, bson.A{"a"}, doc[1].Value)
}

func TestToBSON_RejectsOpaqueValues(t *testing.T) {
	_, err := toBSON(&mongoHandle{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot use database value")
}

func TestNormalizeBSON(t *testing.T) {
	oid := bson.NewObjectID()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	doc := bson.M{
		"_id":   oid,
		"n":     int32(4),
		"when":  bson.NewDateTimeFromTime(ts),
		"inner": bson.M{"ok": true},
		"list":  bson.A{int32(1), "x"},
	}

	got := normalizeBSON(doc).(map[string]any)
	assert.Equal(t, oid.Hex(), got["_id"])
	assert.Equal(t, int64(4), got["n"])
	assert.Equal(t, ts, got["when"])
	assert.Equal(t, map[string]any{"ok": true}, got["inner"])
	assert.Equal(t, []any{int64(1), "x"}, got["list"])
}

func TestFindSpec_BuilderIsImmutable(t *testing.T) {
	base := findSpec{filter: bson.D{}}

	limited := base.withLimit(10)
	skipped := limited.withSkip(5)
	sorted := skipped.withSort(bson.D{{Key: "age", Value: -1}})

	assert.Nil(t, base.limit)
	assert.Nil(t, base.skip)
	assert.Nil(t, base.sort)

	require.NotNil(t, limited.limit)
	assert.EqualValues(t, 10, *limited.limit)
	assert.Nil(t, limited.skip)

	require.NotNil(t, sorted.limit)
	require.NotNil(t, sorted.skip)
	assert.EqualValues(t, 5, *sorted.skip)
	assert.Equal(t, "age", sorted.sort[0].Key)
}

func TestFindSpec_AggregateChainsStages(t *testing.T) {
	base := findSpec{mode: modeAggregate, pipeline: bson.A{bson.D{{Key: "$match", Value: bson.D{}}}}}

	chained := base.withSort(bson.D{{Key: "total", Value: -1}}).withLimit(3)

	// Base pipeline untouched; chained one gained $sort then $limit.
	assert.Len(t, base.pipeline, 1)
	require.Len(t, chained.pipeline, 3)
	assert.Equal(t, "$sort", chained.pipeline[1].(bson.D)[0].Key)
	assert.Equal(t, "$limit", chained.pipeline[2].(bson.D)[0].Key)
}

func TestSortDoc(t *testing.T) {
	got, err := sortDoc(starlark.String("age"), -1)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "age", Value: -1}}, got)

	d := starlark.NewDict(2)
	require.NoError(t, d.SetKey(starlark.String("a"), starlark.MakeInt(1)))
	require.NoError(t, d.SetKey(starlark.String("b"), starlark.MakeInt(-1)))
	got, err = sortDoc(d, 1)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: -1}}, got)

	_, err = sortDoc(starlark.MakeInt(1), 1)
	require.Error(t, err)
}

func TestIDString(t *testing.T) {
	oid := bson.NewObjectID()
	assert.Equal(t, oid.Hex(), idString(oid))
	assert.Equal(t, "42", idString(42))
}

func TestFilterRepr(t *testing.T) {
	assert.Equal(t, "{}", filterRepr(nil))
	assert.Equal(t, "{}", filterRepr(starlark.None))

	d := starlark.NewDict(1)
	require.NoError(t, d.SetKey(starlark.String("x"), starlark.MakeInt(1)))
	assert.Equal(t, `{"x": 1}`, filterRepr(d))
}
