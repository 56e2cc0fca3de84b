package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig configures the replica-set backed store.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Mongo stores documents in a MongoDB replica set. Replica reads use the
// secondaryPreferred read preference; the replica probe uses secondary so it
// never silently falls back to the primary.
type Mongo struct {
	client  *mongo.Client
	primary *mongo.Collection
	replica *mongo.Collection
	probe   *mongo.Collection
	logger  zerolog.Logger
}

// mongoDocument is the persisted shape. The payload is kept as its canonical
// JSON text so that the stored bytes hash exactly as they did at write time;
// a BSON round trip would reformat numbers.
type mongoDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	RecordID       string             `bson:"record_id"`
	VersionID      string             `bson:"version_id"`
	FileID         string             `bson:"file_id"`
	PatientID      string             `bson:"patient_id"`
	Classification string             `bson:"classification"`
	Payload        string             `bson:"payload"`
	ContentHash    string             `bson:"content_hash"`
	VersionNumber  int                `bson:"version_number"`
	CreatedBy      string             `bson:"created_by"`
	CreatedAt      time.Time          `bson:"created_at"`
}

func NewMongo(ctx context.Context, cfg MongoConfig, logger zerolog.Logger) (*Mongo, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo primary: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client:  client,
		primary: db.Collection(CollectionName),
		replica: db.Collection(CollectionName, options.Collection().SetReadPreference(readpref.SecondaryPreferred())),
		probe:   db.Collection(CollectionName, options.Collection().SetReadPreference(readpref.Secondary())),
		logger:  logger.With().Str("component", "contentstore.mongo").Logger(),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.primary.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "record_id", Value: 1}, {Key: "version_number", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "version_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create mongo indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Scheme() string { return "mongodb" }

func (m *Mongo) Create(ctx context.Context, doc *Document) (string, error) {
	if err := validate(doc); err != nil {
		return "", err
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	res, err := m.primary.InsertOne(ctx, toMongo(doc))
	if err != nil {
		return "", m.wrap("insert", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("%w: unexpected inserted id type %T", ErrUnavailable, res.InsertedID)
	}
	doc.ID = oid.Hex()

	m.logger.Info().
		Str("doc_id", doc.ID).
		Str("record_id", doc.RecordID).
		Str("file_id", doc.FileID).
		Msg("content document written on primary")
	return doc.ID, nil
}

func (m *Mongo) GetByID(ctx context.Context, id string, preferReplica bool) (*Document, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return m.findOne(ctx, preferReplica, bson.M{"_id": oid})
}

func (m *Mongo) GetByVersionID(ctx context.Context, versionID string, preferReplica bool) (*Document, error) {
	return m.findOne(ctx, preferReplica, bson.M{"version_id": versionID})
}

func (m *Mongo) GetLatestByRecord(ctx context.Context, recordID string, preferReplica bool) (*Document, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version_number", Value: -1}})
	return m.findOne(ctx, preferReplica, bson.M{"record_id": recordID}, opts)
}

func (m *Mongo) GetAllVersionsByRecord(ctx context.Context, recordID string, preferReplica bool) ([]*Document, error) {
	m.logger.Debug().Str("record_id", recordID).Str("node", node(preferReplica)).Msg("list content documents")

	opts := options.Find().SetSort(bson.D{{Key: "version_number", Value: -1}})
	cur, err := m.collection(preferReplica).Find(ctx, bson.M{"record_id": recordID}, opts)
	if err != nil {
		return nil, m.wrap("find", err)
	}
	var rows []mongoDocument
	if err := cur.All(ctx, &rows); err != nil {
		return nil, m.wrap("decode", err)
	}
	out := make([]*Document, 0, len(rows))
	for i := range rows {
		out = append(out, fromMongo(&rows[i]))
	}
	return out, nil
}

func (m *Mongo) ExistsOnReplica(ctx context.Context, id string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	n, err := m.probe.CountDocuments(ctx, bson.M{"_id": oid}, options.Count().SetLimit(1))
	if err != nil {
		return false, m.wrap("count on secondary", err)
	}
	return n > 0, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return m.wrap("ping", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) collection(preferReplica bool) *mongo.Collection {
	if preferReplica {
		return m.replica
	}
	return m.primary
}

func (m *Mongo) findOne(ctx context.Context, preferReplica bool, filter bson.M, opts ...*options.FindOneOptions) (*Document, error) {
	m.logger.Debug().Interface("filter", filter).Str("node", node(preferReplica)).Msg("read content document")

	var row mongoDocument
	err := m.collection(preferReplica).FindOne(ctx, filter, opts...).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, m.wrap("find one", err)
	}
	return fromMongo(&row), nil
}

func (m *Mongo) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: mongo %s: %v", ErrUnavailable, op, err)
}

func toMongo(d *Document) *mongoDocument {
	return &mongoDocument{
		RecordID:       d.RecordID,
		VersionID:      d.VersionID,
		FileID:         d.FileID,
		PatientID:      d.PatientID,
		Classification: d.Classification,
		Payload:        string(d.Payload),
		ContentHash:    d.ContentHash,
		VersionNumber:  d.VersionNumber,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      d.CreatedAt,
	}
}

func fromMongo(r *mongoDocument) *Document {
	return &Document{
		ID:             r.ID.Hex(),
		RecordID:       r.RecordID,
		VersionID:      r.VersionID,
		FileID:         r.FileID,
		PatientID:      r.PatientID,
		Classification: r.Classification,
		Payload:        json.RawMessage(r.Payload),
		ContentHash:    r.ContentHash,
		VersionNumber:  r.VersionNumber,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
	}
}
