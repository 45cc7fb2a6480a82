package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestGoToStarlark(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "None"},
		{"string", "hello", `"hello"`},
		{"bytes", []byte("raw"), `"raw"`},
		{"bool", true, "True"},
		{"int", 42, "42"},
		{"int32", int32(7), "7"},
		{"int64", int64(-9), "-9"},
		{"float64", 1.5, "1.5"},
		{"string slice", []string{"a", "b"}, `["a", "b"]`},
		{"any slice", []any{int64(1), "x"}, `[1, "x"]`},
		{"map", map[string]any{"k": int64(3)}, `{"k": 3}`},
		{
			"row maps",
			[]map[string]any{{"id": int64(1)}, {"id": int64(2)}},
			`[{"id": 1}, {"id": 2}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := GoToStarlark(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestGoToStarlark_Unsupported(t *testing.T) {
	_, err := GoToStarlark(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestToGo(t *testing.T) {
	list := starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.String("a")})
	dict := starlark.NewDict(1)
	require.NoError(t, dict.SetKey(starlark.String("n"), starlark.Float(2.5)))

	tests := []struct {
		name string
		in   starlark.Value
		want any
	}{
		{"none", starlark.None, nil},
		{"string", starlark.String("s"), "s"},
		{"int", starlark.MakeInt(5), int64(5)},
		{"float", starlark.Float(0.25), 0.25},
		{"bool", starlark.Bool(false), false},
		{"list", list, []any{int64(1), "a"}},
		{"tuple", starlark.Tuple{starlark.MakeInt(1), starlark.MakeInt(2)}, []any{int64(1), int64(2)}},
		{"dict", dict, map[string]any{"n": 2.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToGo(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip_TimeBecomesRFC3339(t *testing.T) {
	ts := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	v, err := GoToStarlark(ts)
	require.NoError(t, err)

	back, err := ToGo(v)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T08:30:00Z", back)
}

func TestToGo_NonStringDictKey(t *testing.T) {
	dict := starlark.NewDict(1)
	require.NoError(t, dict.SetKey(starlark.MakeInt(1), starlark.String("v")))

	_, err := ToGo(dict)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dict key must be string")
}
