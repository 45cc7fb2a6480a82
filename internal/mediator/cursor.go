package mediator

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/sandbox"
)

const (
	modeFind      = ""
	modeAggregate = "aggregate"
)

// findSpec is the immutable query specification behind a cursor. The
// chainable builder operations copy it rather than mutating in place,
// so aliasing a cursor mid-chain cannot change an earlier handle.
type findSpec struct {
	mode       string
	filter     any
	projection any
	pipeline   bson.A
	limit      *int64
	skip       *int64
	sort       bson.D
}

// withLimit returns a copy with the limit set. For aggregations the
// builder appends a $limit stage instead, preserving call order.
func (sp findSpec) withLimit(n int64) findSpec {
	if sp.mode == modeAggregate {
		return sp.withStage(bson.D{{Key: "$limit", Value: n}})
	}
	out := sp
	out.limit = &n
	return out
}

func (sp findSpec) withSkip(n int64) findSpec {
	if sp.mode == modeAggregate {
		return sp.withStage(bson.D{{Key: "$skip", Value: n}})
	}
	out := sp
	out.skip = &n
	return out
}

func (sp findSpec) withSort(sort bson.D) findSpec {
	if sp.mode == modeAggregate {
		return sp.withStage(bson.D{{Key: "$sort", Value: sort}})
	}
	out := sp
	out.sort = sort
	return out
}

func (sp findSpec) withStage(stage bson.D) findSpec {
	out := sp
	out.pipeline = make(bson.A, len(sp.pipeline), len(sp.pipeline)+1)
	copy(out.pipeline, sp.pipeline)
	out.pipeline = append(out.pipeline, stage)
	return out
}

// mongoCursor is the lazy handle over a result stream. No driver call
// happens until toArray materializes it.
type mongoCursor struct {
	coll *mongoCollection
	spec findSpec
}

var _ starlark.HasAttrs = (*mongoCursor)(nil)

func (mc *mongoCursor) String() string        { return fmt.Sprintf("<cursor %s>", mc.coll.name) }
func (mc *mongoCursor) Type() string          { return "cursor" }
func (mc *mongoCursor) Freeze()               {}
func (mc *mongoCursor) Truth() starlark.Bool  { return starlark.True }
func (mc *mongoCursor) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: cursor") }

func (mc *mongoCursor) AttrNames() []string {
	return []string{"limit", "skip", "sort", "toArray"}
}

func (mc *mongoCursor) Attr(name string) (starlark.Value, error) {
	switch name {
	case "limit":
		return starlark.NewBuiltin("cursor.limit", mc.limitBuiltin), nil
	case "skip":
		return starlark.NewBuiltin("cursor.skip", mc.skipBuiltin), nil
	case "sort":
		return starlark.NewBuiltin("cursor.sort", mc.sortBuiltin), nil
	case "toArray":
		return starlark.NewBuiltin("cursor.toArray", mc.toArrayBuiltin), nil
	}
	return nil, nil
}

func (mc *mongoCursor) limitBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &n); err != nil {
		return nil, err
	}
	return &mongoCursor{coll: mc.coll, spec: mc.spec.withLimit(n)}, nil
}

func (mc *mongoCursor) skipBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &n); err != nil {
		return nil, err
	}
	return &mongoCursor{coll: mc.coll, spec: mc.spec.withSkip(n)}, nil
}

func (mc *mongoCursor) sortBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var keyVal starlark.Value
	direction := 1
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &keyVal, &direction); err != nil {
		return nil, err
	}
	sort, err := sortDoc(keyVal, direction)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return &mongoCursor{coll: mc.coll, spec: mc.spec.withSort(sort)}, nil
}

func (mc *mongoCursor) toArrayBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	docs, err := mc.materialize(context.Background())
	if err != nil {
		return nil, err
	}
	return sandbox.GoToStarlark(docs)
}

// materialize executes the spec and exhausts the result stream.
func (mc *mongoCursor) materialize(ctx context.Context) ([]any, error) {
	operation := "find"
	if mc.spec.mode == modeAggregate {
		operation = "aggregate"
	}

	var raw []bson.M
	if mc.spec.mode == modeAggregate {
		cur, err := mc.coll.coll.Aggregate(ctx, mc.spec.pipeline)
		if err != nil {
			return nil, mc.coll.s.opError(mc.coll.name, operation, err)
		}
		if err := cur.All(ctx, &raw); err != nil {
			return nil, mc.coll.s.opError(mc.coll.name, operation, err)
		}
	} else {
		opts := options.Find()
		if mc.spec.projection != nil {
			opts.SetProjection(mc.spec.projection)
		}
		if mc.spec.limit != nil {
			opts.SetLimit(*mc.spec.limit)
		}
		if mc.spec.skip != nil {
			opts.SetSkip(*mc.spec.skip)
		}
		if mc.spec.sort != nil {
			opts.SetSort(mc.spec.sort)
		}
		cur, err := mc.coll.coll.Find(ctx, orEmptyFilter(mc.spec.filter), opts)
		if err != nil {
			return nil, mc.coll.s.opError(mc.coll.name, operation, err)
		}
		if err := cur.All(ctx, &raw); err != nil {
			return nil, mc.coll.s.opError(mc.coll.name, operation, err)
		}
	}

	docs := make([]any, len(raw))
	for i, doc := range raw {
		docs[i] = normalizeBSON(doc)
	}
	return docs, nil
}

// sortDoc builds a sort document from either a dict of field→direction
// or a single field name with an optional direction argument.
func sortDoc(key starlark.Value, direction int) (bson.D, error) {
	switch val := key.(type) {
	case starlark.String:
		return bson.D{{Key: string(val), Value: direction}}, nil
	case *starlark.Dict:
		sort := make(bson.D, 0, val.Len())
		for _, item := range val.Items() {
			field, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("sort key must be string, got %s", item[0].Type())
			}
			var dir int
			if err := starlark.AsInt(item[1], &dir); err != nil {
				return nil, fmt.Errorf("sort direction for %q: %w", field, err)
			}
			sort = append(sort, bson.E{Key: string(field), Value: dir})
		}
		return sort, nil
	default:
		return nil, fmt.Errorf("sort takes a field name or a dict, got %s", key.Type())
	}
}
