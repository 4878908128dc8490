// Package docstore implements the cold-tier document store client
// (component C): archived memory items and knowledge documents backed by
// MongoDB, searched by $text match (SearchText) and by a server-side
// dot-product score over stored embeddings (VectorSearch).
package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// Document is an archived memory item or knowledge entry persisted in the
// cold tier once it ages out of the warm relational store.
type Document struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	Content        string    `bson:"content"`
	MemoryType     string    `bson:"memory_type"`
	Importance     float64   `bson:"importance"`
	Tier           string    `bson:"tier"`
	Embedding      []float32 `bson:"embedding,omitempty"`
	Timestamp      time.Time `bson:"timestamp"`
	ArchivedAt     time.Time `bson:"archived_at"`
	RetrievalCount int       `bson:"retrieval_count"`
	LastRetrieved  *time.Time `bson:"last_retrieved,omitempty"`
}

// Store is the cold-tier contract consumed by pkg/memory and pkg/ragcontext.
type Store interface {
	Archive(ctx context.Context, doc Document) error
	FindByUser(ctx context.Context, userID string, limit int) ([]Document, error)
	SearchText(ctx context.Context, userID, query string, limit int) ([]Document, error)
	// VectorSearch scores every embedded document for userID by dot product
	// against queryVec via a caller-supplied aggregation expression and
	// returns the top-K, per §4.C's "aggregation primitive" contract.
	VectorSearch(ctx context.Context, userID string, queryVec []float32, limit int) ([]Document, error)
	// UpdateTier marks an existing document ARCHIVED (or any other cold-tier
	// sub-state) in place, used by the consolidation sweep's third stage,
	// which never moves a document once it lands in the cold store.
	UpdateTier(ctx context.Context, id, tier string) error
	// Touch increments retrieval_count and sets last_retrieved on a
	// returned document, the cold-tier half of the retrieval-stat
	// write-through §4.E requires of every retrieve() call.
	Touch(ctx context.Context, id string, at time.Time) error
	Close(ctx context.Context) error
}

// Client wraps a MongoDB collection handle.
type Client struct {
	coll *mongo.Collection
}

// Config configures the Mongo connection, grounded on the MONGODB_URI
// environment variable the original memory manager reads directly.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Connect dials MongoDB and ensures the text index used by SearchText.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Database == "" {
		cfg.Database = "hitl"
	}
	if cfg.Collection == "" {
		cfg.Collection = "archived_memories"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, hitlerr.Transient("connecting to document store", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, hitlerr.Transient("pinging document store", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)

	idx := mongo.IndexModel{Keys: bson.D{{Key: "content", Value: "text"}}}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		// A pre-existing text index with different options returns an
		// error here; archival can proceed without it, but SearchText's
		// $text query returns an error until a text index exists.
		_ = err
	}
	return &Client{coll: coll}, nil
}

// NewFromCollection wraps a pre-constructed collection, used by tests against
// a disposable mongo container.
func NewFromCollection(coll *mongo.Collection) *Client {
	return &Client{coll: coll}
}

func (c *Client) Archive(ctx context.Context, doc Document) error {
	opts := options.Replace().SetUpsert(true)
	_, err := c.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, opts)
	if err != nil {
		return hitlerr.Transient("archiving document", err)
	}
	return nil
}

func (c *Client) FindByUser(ctx context.Context, userID string, limit int) ([]Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := c.coll.Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, hitlerr.Transient("querying document store", err)
	}
	defer cur.Close(ctx)
	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, hitlerr.Transient("decoding document store results", err)
	}
	return docs, nil
}

func (c *Client) SearchText(ctx context.Context, userID, query string, limit int) ([]Document, error) {
	filter := bson.D{
		{Key: "user_id", Value: userID},
		{Key: "$text", Value: bson.D{{Key: "$search", Value: query}}},
	}
	opts := options.Find().SetLimit(int64(limit))
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, hitlerr.Transient("searching document store", err)
	}
	defer cur.Close(ctx)
	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, hitlerr.Transient("decoding search results", err)
	}
	return docs, nil
}

// VectorSearch implements the top-K dot-product scoring primitive with a
// server-side $function expression: the caller supplies the query vector,
// the database supplies the per-document embedding, and the expression
// itself (not a fixed vector index) is what scores relevance. Falls back
// to returning the user's K most recent documents, with or without an
// embedding, if the expression cannot run (e.g. a deployment with
// server-side JS disabled).
func (c *Client) VectorSearch(ctx context.Context, userID string, queryVec []float32, limit int) ([]Document, error) {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "user_id", Value: userID},
			{Key: "embedding", Value: bson.D{{Key: "$exists", Value: true}}},
		}}},
		bson.D{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$function", Value: bson.D{
			{Key: "body", Value: "function(docEmb, queryEmb) { var s = 0; for (var i = 0; i < docEmb.length && i < queryEmb.length; i++) { s += docEmb[i] * queryEmb[i]; } return s; }"},
			{Key: "args", Value: bson.A{"$embedding", queryVec}},
			{Key: "lang", Value: "js"},
		}}}}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "score", Value: -1}}}},
		bson.D{{Key: "$limit", Value: limit}},
	}
	cur, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		// Server-side JS disabled or unsupported: degrade to recency order
		// rather than fail the whole retrieval for a scoring feature.
		return c.FindByUser(ctx, userID, limit)
	}
	defer cur.Close(ctx)
	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, hitlerr.Transient("decoding vector search results", err)
	}
	return docs, nil
}

func (c *Client) UpdateTier(ctx context.Context, id, tier string) error {
	_, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "tier", Value: tier}}}})
	if err != nil {
		return hitlerr.Transient("updating document tier", err)
	}
	return nil
}

func (c *Client) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: "retrieval_count", Value: 1}}},
			{Key: "$set", Value: bson.D{{Key: "last_retrieved", Value: at}}},
		})
	if err != nil {
		return hitlerr.Transient("touching document retrieval stats", err)
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.coll.Database().Client().Disconnect(ctx)
}
