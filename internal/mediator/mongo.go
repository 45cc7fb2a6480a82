package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"

	"github.com/queryportal/scriptworker/internal/config"
	"github.com/queryportal/scriptworker/internal/output"
	"github.com/queryportal/scriptworker/internal/sandbox"
)

// criticalOps log at warn severity instead of query severity.
var criticalOps = map[string]bool{
	"drop":         true,
	"dropDatabase": true,
	"deleteMany":   true,
}

// mongoSession mediates one Mongo client connection.
type mongoSession struct {
	client *mongo.Client
	db     *mongo.Database
	rec    *output.Recorder
	logger *slog.Logger
	seq    int
	closed bool
}

func openMongo(ctx context.Context, cfg *config.ExecutionConfig, rec *output.Recorder, logger *slog.Logger) (Session, error) {
	uri := cfg.MongoURI()

	logger.Debug("connecting to mongodb", slog.String("database", cfg.DatabaseName))

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(connectTimeoutSecs * time.Second)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, &DatabaseError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &DatabaseError{Op: "connect", Err: err}
	}

	return &mongoSession{
		client: client,
		db:     client.Database(cfg.DatabaseName),
		rec:    rec,
		logger: logger,
	}, nil
}

func (s *mongoSession) Handle() starlark.Value {
	return &mongoHandle{s: s}
}

func (s *mongoSession) Ops() int {
	return s.seq
}

// Close disconnects the client. Idempotent; disconnect errors are
// logged and swallowed.
func (s *mongoSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client != nil {
		if err := s.client.Disconnect(context.Background()); err != nil {
			s.logger.Debug("mongodb disconnect failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// logOp appends the audit event for one operation and returns its
// sequence number. Critical operations surface at warn severity with a
// CRITICAL marker; everything else is a query event.
func (s *mongoSession) logOp(collection, operation string, extras map[string]any) int {
	s.seq++
	n := s.seq

	merged := map[string]any{
		"opNumber":   n,
		"operation":  operation,
		"collection": collection,
	}
	for k, v := range extras {
		merged[k] = v
	}

	message := fmt.Sprintf("Op %d: %s.%s()", n, collection, operation)
	if criticalOps[operation] {
		s.rec.Warn("CRITICAL: "+message, merged)
	} else {
		s.rec.Query(message, merged)
	}
	return n
}

// warnEmptyDeleteMany emits the high-risk marker for an unfiltered
// deleteMany. It is logging only and never blocks the delete; it must
// come before the operation's own audit event.
func (s *mongoSession) warnEmptyDeleteMany(collection string) {
	s.rec.Warn(
		fmt.Sprintf("High-risk operation: %s.deleteMany() with empty filter deletes all documents", collection),
		map[string]any{
			"warning":    "DELETING ALL DOCUMENTS",
			"risk":       "critical",
			"collection": collection,
		})
}

func (s *mongoSession) opError(collection, operation string, err error) error {
	return &DatabaseError{Op: fmt.Sprintf("%s.%s", collection, operation), Err: err}
}

// mongoHandle is the `db` value a Mongo-backed script sees.
type mongoHandle struct {
	s *mongoSession
}

var _ starlark.HasAttrs = (*mongoHandle)(nil)

func (h *mongoHandle) String() string        { return "<database mongodb>" }
func (h *mongoHandle) Type() string          { return "database" }
func (h *mongoHandle) Freeze()               {}
func (h *mongoHandle) Truth() starlark.Bool  { return starlark.True }
func (h *mongoHandle) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: database") }

func (h *mongoHandle) AttrNames() []string {
	return []string{"collection", "dropDatabase"}
}

func (h *mongoHandle) Attr(name string) (starlark.Value, error) {
	switch name {
	case "collection":
		return starlark.NewBuiltin("db.collection", h.collectionBuiltin), nil
	case "dropDatabase":
		return starlark.NewBuiltin("db.dropDatabase", h.dropDatabaseBuiltin), nil
	}
	return nil, nil
}

func (h *mongoHandle) collectionBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return &mongoCollection{s: h.s, name: name, coll: h.s.db.Collection(name)}, nil
}

func (h *mongoHandle) dropDatabaseBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	dbName := h.s.db.Name()
	h.s.logOp(dbName, "dropDatabase", nil)
	if err := h.s.db.Drop(context.Background()); err != nil {
		return nil, h.s.opError(dbName, "dropDatabase", err)
	}
	return starlark.None, nil
}

// mongoCollection is a collection bound to the session, with every
// operation audited.
type mongoCollection struct {
	s    *mongoSession
	name string
	coll *mongo.Collection
}

var _ starlark.HasAttrs = (*mongoCollection)(nil)

func (c *mongoCollection) String() string        { return fmt.Sprintf("<collection %s>", c.name) }
func (c *mongoCollection) Type() string          { return "collection" }
func (c *mongoCollection) Freeze()               {}
func (c *mongoCollection) Truth() starlark.Bool  { return starlark.True }
func (c *mongoCollection) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: collection") }

func (c *mongoCollection) AttrNames() []string {
	return []string{
		"aggregate", "countDocuments", "deleteMany", "deleteOne", "drop",
		"find", "findOne", "insertMany", "insertOne", "updateMany", "updateOne",
	}
}

func (c *mongoCollection) Attr(name string) (starlark.Value, error) {
	switch name {
	case "find":
		return starlark.NewBuiltin("collection.find", c.findBuiltin), nil
	case "findOne":
		return starlark.NewBuiltin("collection.findOne", c.findOneBuiltin), nil
	case "insertOne":
		return starlark.NewBuiltin("collection.insertOne", c.insertOneBuiltin), nil
	case "insertMany":
		return starlark.NewBuiltin("collection.insertMany", c.insertManyBuiltin), nil
	case "updateOne":
		return starlark.NewBuiltin("collection.updateOne", c.updateOneBuiltin), nil
	case "updateMany":
		return starlark.NewBuiltin("collection.updateMany", c.updateManyBuiltin), nil
	case "deleteOne":
		return starlark.NewBuiltin("collection.deleteOne", c.deleteOneBuiltin), nil
	case "deleteMany":
		return starlark.NewBuiltin("collection.deleteMany", c.deleteManyBuiltin), nil
	case "countDocuments":
		return starlark.NewBuiltin("collection.countDocuments", c.countDocumentsBuiltin), nil
	case "aggregate":
		return starlark.NewBuiltin("collection.aggregate", c.aggregateBuiltin), nil
	case "drop":
		return starlark.NewBuiltin("collection.drop", c.dropBuiltin), nil
	}
	return nil, nil
}

func (c *mongoCollection) findBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filterVal, projectionVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filterVal, "projection?", &projectionVal); err != nil {
		return nil, err
	}
	filter, err := toBSONOrNil(filterVal)
	if err != nil {
		return nil, err
	}
	projection, err := toBSONOrNil(projectionVal)
	if err != nil {
		return nil, err
	}

	c.s.logOp(c.name, "find", map[string]any{"filter": filterRepr(filterVal)})
	return &mongoCursor{coll: c, spec: findSpec{filter: filter, projection: projection}}, nil
}

func (c *mongoCollection) findOneBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filterVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filterVal); err != nil {
		return nil, err
	}
	filter, err := toBSONOrNil(filterVal)
	if err != nil {
		return nil, err
	}

	c.s.logOp(c.name, "findOne", map[string]any{"filter": filterRepr(filterVal)})

	var doc bson.M
	err = c.coll.FindOne(context.Background(), orEmptyFilter(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return starlark.None, nil
	}
	if err != nil {
		return nil, c.s.opError(c.name, "findOne", err)
	}
	return sandbox.GoToStarlark(normalizeBSON(doc))
}

func (c *mongoCollection) insertOneBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var docVal starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &docVal); err != nil {
		return nil, err
	}
	doc, err := toBSON(docVal)
	if err != nil {
		return nil, err
	}

	c.s.logOp(c.name, "insertOne", nil)

	res, err := c.coll.InsertOne(context.Background(), doc)
	if err != nil {
		return nil, c.s.opError(c.name, "insertOne", err)
	}
	return sandbox.GoToStarlark(map[string]any{"insertedId": idString(res.InsertedID)})
}

func (c *mongoCollection) insertManyBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var docsVal *starlark.List
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &docsVal); err != nil {
		return nil, err
	}

	docs := make([]any, docsVal.Len())
	for i := 0; i < docsVal.Len(); i++ {
		doc, err := toBSON(docsVal.Index(i))
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}

	c.s.logOp(c.name, "insertMany", map[string]any{"count": len(docs)})

	res, err := c.coll.InsertMany(context.Background(), docs)
	if err != nil {
		return nil, c.s.opError(c.name, "insertMany", err)
	}
	ids := make([]string, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		ids[i] = idString(id)
	}
	return sandbox.GoToStarlark(map[string]any{"insertedIds": ids})
}

func (c *mongoCollection) updateOneBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return c.update(b, args, kwargs, "updateOne", nil)
}

func (c *mongoCollection) updateManyBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return c.update(b, args, kwargs, "updateMany", filterRepr)
}

// update implements updateOne/updateMany; reprFn, when set, adds the
// filter representation to the audit extras.
func (c *mongoCollection) update(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, operation string, reprFn func(starlark.Value) string) (starlark.Value, error) {
	var filterVal, updateVal starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &filterVal, &updateVal); err != nil {
		return nil, err
	}
	filter, err := toBSON(filterVal)
	if err != nil {
		return nil, err
	}
	update, err := toBSON(updateVal)
	if err != nil {
		return nil, err
	}

	var extras map[string]any
	if reprFn != nil {
		extras = map[string]any{"filter": reprFn(filterVal)}
	}
	c.s.logOp(c.name, operation, extras)

	var res *mongo.UpdateResult
	if operation == "updateOne" {
		res, err = c.coll.UpdateOne(context.Background(), filter, update)
	} else {
		res, err = c.coll.UpdateMany(context.Background(), filter, update)
	}
	if err != nil {
		return nil, c.s.opError(c.name, operation, err)
	}
	return sandbox.GoToStarlark(map[string]any{
		"matchedCount":  res.MatchedCount,
		"modifiedCount": res.ModifiedCount,
	})
}

func (c *mongoCollection) deleteOneBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filterVal starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &filterVal); err != nil {
		return nil, err
	}
	filter, err := toBSON(filterVal)
	if err != nil {
		return nil, err
	}

	c.s.logOp(c.name, "deleteOne", nil)

	res, err := c.coll.DeleteOne(context.Background(), filter)
	if err != nil {
		return nil, c.s.opError(c.name, "deleteOne", err)
	}
	return sandbox.GoToStarlark(map[string]any{"deletedCount": res.DeletedCount})
}

func (c *mongoCollection) deleteManyBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filterVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filterVal); err != nil {
		return nil, err
	}
	filter, err := toBSONOrNil(filterVal)
	if err != nil {
		return nil, err
	}

	if isEmptyFilter(filterVal) {
		c.s.warnEmptyDeleteMany(c.name)
		c.s.logOp(c.name, "deleteMany", nil)
	} else {
		c.s.logOp(c.name, "deleteMany", map[string]any{"filter": filterRepr(filterVal)})
	}

	res, err := c.coll.DeleteMany(context.Background(), orEmptyFilter(filter))
	if err != nil {
		return nil, c.s.opError(c.name, "deleteMany", err)
	}
	return sandbox.GoToStarlark(map[string]any{"deletedCount": res.DeletedCount})
}

func (c *mongoCollection) countDocumentsBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filterVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filterVal); err != nil {
		return nil, err
	}
	filter, err := toBSONOrNil(filterVal)
	if err != nil {
		return nil, err
	}

	c.s.logOp(c.name, "countDocuments", nil)

	count, err := c.coll.CountDocuments(context.Background(), orEmptyFilter(filter))
	if err != nil {
		return nil, c.s.opError(c.name, "countDocuments", err)
	}
	return starlark.MakeInt64(count), nil
}

func (c *mongoCollection) aggregateBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pipelineVal *starlark.List
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &pipelineVal); err != nil {
		return nil, err
	}

	pipeline := make(bson.A, pipelineVal.Len())
	for i := 0; i < pipelineVal.Len(); i++ {
		stage, err := toBSON(pipelineVal.Index(i))
		if err != nil {
			return nil, err
		}
		pipeline[i] = stage
	}

	c.s.logOp(c.name, "aggregate", map[string]any{"stages": len(pipeline)})
	return &mongoCursor{coll: c, spec: findSpec{mode: modeAggregate, pipeline: pipeline}}, nil
}

func (c *mongoCollection) dropBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	c.s.logOp(c.name, "drop", nil)
	if err := c.coll.Drop(context.Background()); err != nil {
		return nil, c.s.opError(c.name, "drop", err)
	}
	return starlark.None, nil
}

// toBSON converts a Starlark value into a BSON-compatible Go value.
// Dicts become bson.D to preserve key order, which matters inside
// aggregation stages.
func toBSON(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i64, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", val.String())
		}
		return i64, nil
	case starlark.Float:
		return float64(val), nil
	case startime.Time:
		return time.Time(val), nil
	case *starlark.List:
		arr := make(bson.A, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := toBSON(val.Index(i))
			if err != nil {
				return nil, err
			}
			arr[i] = item
		}
		return arr, nil
	case starlark.Tuple:
		arr := make(bson.A, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := toBSON(val.Index(i))
			if err != nil {
				return nil, err
			}
			arr[i] = item
		}
		return arr, nil
	case *starlark.Dict:
		doc := make(bson.D, 0, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("document key must be string, got %s", item[0].Type())
			}
			fv, err := toBSON(item[1])
			if err != nil {
				return nil, err
			}
			doc = append(doc, bson.E{Key: string(key), Value: fv})
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("cannot use %s value in a database document", v.Type())
	}
}

// toBSONOrNil treats an absent argument as nil.
func toBSONOrNil(v starlark.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	return toBSON(v)
}

// orEmptyFilter substitutes the match-all filter for nil; the driver
// rejects a nil filter document.
func orEmptyFilter(filter any) any {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

// isEmptyFilter reports whether the script passed no filter or an
// empty dict.
func isEmptyFilter(v starlark.Value) bool {
	if v == nil || v == starlark.None {
		return true
	}
	if d, ok := v.(*starlark.Dict); ok {
		return d.Len() == 0
	}
	return false
}

// filterRepr renders a filter for audit extras.
func filterRepr(v starlark.Value) string {
	if v == nil || v == starlark.None {
		return "{}"
	}
	return truncateFilter(v.String())
}

// idString renders an inserted id for the script-visible result.
func idString(id any) string {
	if oid, ok := id.(bson.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprintf("%v", id)
}

// normalizeBSON rewrites decoded BSON values into the plain Go shapes
// the Starlark converter accepts. Object ids become hex strings and
// datetimes become time values.
func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeBSON(item)
		}
		return out
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case int32:
		return int64(val)
	case nil, string, bool, int64, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
