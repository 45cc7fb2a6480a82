// Package sandbox builds the execution namespace handed to untrusted
// scripts. The namespace is a positive capability list: the Starlark
// universe of pure builtins, a closed table of pre-resolved modules,
// and nothing else. There is no dynamic loader and no fallback to host
// state; a script can only ever see what this package hands it.
package sandbox

import (
	"fmt"
	"sort"
	"strings"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// ImportRejectedError reports a load() of a module outside the
// whitelist. It classifies as the ImportRejected result kind.
type ImportRejectedError struct {
	Name string
}

func (e *ImportRejectedError) Error() string {
	return fmt.Sprintf("module %q is not allowed. Allowed modules: %s",
		e.Name, strings.Join(AllowedModules(), ", "))
}

// moduleTable is the static module-resolution table. Built once at
// process start; every execution shares the same frozen module values.
var moduleTable = map[string]starlark.Value{
	"json":        starjson.Module,
	"math":        starmath.Module,
	"time":        startime.Module,
	"re":          reModule,
	"datetime":    datetimeModule,
	"collections": collectionsModule,
	"functools":   functoolsModule,
	"itertools":   itertoolsModule,
}

// AllowedModules returns the whitelist in sorted order.
func AllowedModules() []string {
	names := make([]string, 0, len(moduleTable))
	for name := range moduleTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Modules returns the predeclared bindings for the module table. Each
// whitelisted module is directly visible as a global, so scripts use
// json.decode(...) without any import step.
func Modules() starlark.StringDict {
	dict := make(starlark.StringDict, len(moduleTable))
	for name, mod := range moduleTable {
		dict[name] = mod
	}
	return dict
}

// Load implements starlark.Thread.Load against the static table, so
// load("json", "json") resolves to the same cached module value. Any
// name outside the table fails with ImportRejectedError.
func Load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	mod, ok := moduleTable[module]
	if !ok {
		return nil, &ImportRejectedError{Name: module}
	}
	return starlark.StringDict{module: mod}, nil
}

// FileOptions returns the language options scripts are compiled with.
// Loops, sets, reassignment and recursion are permitted; the dialect
// restrictions are not part of the security boundary.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}
