package sandbox

import (
	"fmt"
	"regexp"
	"time"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Hand-built modules rounding out the whitelist. Each wraps pure Go
// only; none of them can reach the filesystem, network, or process
// environment.

var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"match":   starlark.NewBuiltin("re.match", reMatch),
		"search":  starlark.NewBuiltin("re.search", reSearch),
		"findall": starlark.NewBuiltin("re.findall", reFindall),
		"sub":     starlark.NewBuiltin("re.sub", reSub),
		"split":   starlark.NewBuiltin("re.split", reSplit),
	},
}

var datetimeModule = &starlarkstruct.Module{
	Name: "datetime",
	Members: starlark.StringDict{
		"now":    starlark.NewBuiltin("datetime.now", datetimeNow),
		"utcnow": starlark.NewBuiltin("datetime.utcnow", datetimeUTCNow),
	},
}

var collectionsModule = &starlarkstruct.Module{
	Name: "collections",
	Members: starlark.StringDict{
		"counter":      starlark.NewBuiltin("collections.counter", collectionsCounter),
		"ordered_keys": starlark.NewBuiltin("collections.ordered_keys", collectionsOrderedKeys),
	},
}

var functoolsModule = &starlarkstruct.Module{
	Name: "functools",
	Members: starlark.StringDict{
		"reduce": starlark.NewBuiltin("functools.reduce", functoolsReduce),
	},
}

var itertoolsModule = &starlarkstruct.Module{
	Name: "itertools",
	Members: starlark.StringDict{
		"chain":       starlark.NewBuiltin("itertools.chain", itertoolsChain),
		"repeat":      starlark.NewBuiltin("itertools.repeat", itertoolsRepeat),
		"zip_longest": starlark.NewBuiltin("itertools.zip_longest", itertoolsZipLongest),
	},
}

func compilePattern(b *starlark.Builtin, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern: %v", b.Name(), err)
	}
	return re, nil
}

// reMatch returns the text matched at the start of s, or None.
func reMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b, "^(?:"+pattern+")")
	if err != nil {
		return nil, err
	}
	m := re.FindString(s)
	if m == "" && !re.MatchString(s) {
		return starlark.None, nil
	}
	return starlark.String(m), nil
}

// reSearch returns the first match of pattern anywhere in s, or None.
func reSearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b, pattern)
	if err != nil {
		return nil, err
	}
	loc := re.FindStringIndex(s)
	if loc == nil {
		return starlark.None, nil
	}
	return starlark.String(s[loc[0]:loc[1]]), nil
}

func reFindall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b, pattern)
	if err != nil {
		return nil, err
	}
	matches := re.FindAllString(s, -1)
	out := make([]starlark.Value, len(matches))
	for i, m := range matches {
		out[i] = starlark.String(m)
	}
	return starlark.NewList(out), nil
}

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &pattern, &repl, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b, pattern)
	if err != nil {
		return nil, err
	}
	return starlark.String(re.ReplaceAllString(s, repl)), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b, pattern)
	if err != nil {
		return nil, err
	}
	parts := re.Split(s, -1)
	out := make([]starlark.Value, len(parts))
	for i, p := range parts {
		out[i] = starlark.String(p)
	}
	return starlark.NewList(out), nil
}

func datetimeNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return startime.Time(time.Now()), nil
}

func datetimeUTCNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return startime.Time(time.Now().UTC()), nil
}

// collectionsCounter tallies the elements of an iterable into a dict.
func collectionsCounter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &iterable); err != nil {
		return nil, err
	}

	counts := starlark.NewDict(8)
	iter := iterable.Iterate()
	defer iter.Done()

	var x starlark.Value
	for iter.Next(&x) {
		prev, found, err := counts.Get(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		n := 0
		if found {
			if err := starlark.AsInt(prev, &n); err != nil {
				return nil, err
			}
		}
		if err := counts.SetKey(x, starlark.MakeInt(n+1)); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
	}
	return counts, nil
}

func collectionsOrderedKeys(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dict *starlark.Dict
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &dict); err != nil {
		return nil, err
	}
	return starlark.NewList(dict.Keys()), nil
}

// functoolsReduce folds an iterable with a two-argument function,
// optionally seeded with an initial accumulator.
func functoolsReduce(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	var initial starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &iterable, &initial); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	acc := initial
	var x starlark.Value
	for iter.Next(&x) {
		if acc == nil {
			acc = x
			continue
		}
		res, err := starlark.Call(thread, fn, starlark.Tuple{acc, x}, nil)
		if err != nil {
			return nil, err
		}
		acc = res
	}
	if acc == nil {
		return nil, fmt.Errorf("%s: empty iterable with no initial value", b.Name())
	}
	return acc, nil
}

func itertoolsChain(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	var out []starlark.Value
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not iterable: %s", b.Name(), i+1, arg.Type())
		}
		iter := iterable.Iterate()
		var x starlark.Value
		for iter.Next(&x) {
			out = append(out, x)
		}
		iter.Done()
	}
	return starlark.NewList(out), nil
}

func itertoolsRepeat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var n int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &value, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%s: negative count", b.Name())
	}
	out := make([]starlark.Value, n)
	for i := range out {
		out[i] = value
	}
	return starlark.NewList(out), nil
}

func itertoolsZipLongest(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, bIter starlark.Iterable
	fill := starlark.Value(starlark.None)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &a, "b", &bIter, "fillvalue?", &fill); err != nil {
		return nil, err
	}

	collect := func(it starlark.Iterable) []starlark.Value {
		var vals []starlark.Value
		iter := it.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			vals = append(vals, x)
		}
		return vals
	}

	av, bv := collect(a), collect(bIter)
	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	out := make([]starlark.Value, n)
	for i := 0; i < n; i++ {
		left, right := fill, fill
		if i < len(av) {
			left = av[i]
		}
		if i < len(bv) {
			right = bv[i]
		}
		out[i] = starlark.Tuple{left, right}
	}
	return starlark.NewList(out), nil
}
