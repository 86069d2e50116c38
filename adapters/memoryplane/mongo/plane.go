// Package mongo is a reference kernel.MemoryPlane backed by MongoDB: it
// appends a derived fact document per observed event, giving an
// external summarization process a durable store to read from without
// the kernel itself knowing anything about summarization (spec.md §9).
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/colloquy-dev/colloquy/kernel/event"
)

const (
	defaultCollection = "kernel_events"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Plane.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Plane implements kernel.MemoryPlane on top of a Mongo collection. One
// document is stored per observed event seq; documents are never
// deleted, and observing the same seq again replaces its document.
type Plane struct {
	coll    collection
	timeout time.Duration
}

// New constructs a Plane and ensures its turn/seq lookup index exists.
func New(opts Options) (*Plane, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, mcoll); err != nil {
		return nil, err
	}
	return newPlaneWithCollection(mcoll, timeout), nil
}

func newPlaneWithCollection(coll collection, timeout time.Duration) *Plane {
	return &Plane{coll: coll, timeout: timeout}
}

// Observe implements kernel.MemoryPlane: it stores one document per
// sealed event. Duplicate seqs (a replayed subscription after a
// reconnect) are tolerated: an upsert keyed on seq replaces the
// existing document instead of adding a second one.
func (p *Plane) Observe(ctx context.Context, e event.Event) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	doc := eventDocument{
		Seq: e.Seq, EventTimeMS: e.EventTimeMS, WatermarkMS: e.WatermarkMS,
		Role: string(e.Role), Stream: e.Stream, TurnID: e.TurnID,
		Act: string(e.Act), Final: e.Final, Payload: e.Payload,
	}
	_, err := p.coll.ReplaceOne(ctx, bson.M{"seq": e.Seq}, doc, options.Replace().SetUpsert(true))
	return err
}

// LoadTurn returns every event document recorded for a given turn_id,
// ordered by seq, for an external consumer (e.g. a summarizer) to read
// back a turn's full history.
func (p *Plane) LoadTurn(ctx context.Context, turnID string) ([]event.Event, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	cur, err := p.coll.Find(ctx, bson.M{"turn_id": turnID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]event.Event, len(docs))
	for i, d := range docs {
		out[i] = event.Event{
			Seq: d.Seq, EventTimeMS: d.EventTimeMS, WatermarkMS: d.WatermarkMS,
			Role: event.Role(d.Role), Stream: d.Stream, TurnID: d.TurnID,
			Act: event.Act(d.Act), Final: d.Final, Payload: d.Payload,
		}
	}
	return out, nil
}

func (p *Plane) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

type eventDocument struct {
	Seq         uint64 `bson:"seq"`
	EventTimeMS int64  `bson:"event_time_ms"`
	WatermarkMS int64  `bson:"watermark_ms"`
	Role        string `bson:"role"`
	Stream      string `bson:"stream"`
	TurnID      string `bson:"turn_id,omitempty"`
	Act         string `bson:"act"`
	Final       bool   `bson:"final,omitempty"`
	Payload     any    `bson:"payload,omitempty"`
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "turn_id", Value: 1}, {Key: "seq", Value: 1}}},
	})
	return err
}

// collection is the subset of *mongo.Collection the Plane needs,
// narrowed so tests can supply an in-memory fake.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
	Indexes() mongo.IndexView
}
