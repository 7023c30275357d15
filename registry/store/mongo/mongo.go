// Package mongo provides a MongoDB registry store. Each entity is one
// document keyed by "{kind}/{id}" holding all of its versions, suitable for
// production deployments that need durability across restarts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/flow/registry/store"
)

const (
	defaultCollection = "flow_specs"
	defaultTimeout    = 5 * time.Second
	storeName         = "registry-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store persists registry entries in MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// entryDocument is the MongoDB document representation of an entry.
	entryDocument struct {
		Key       string            `bson:"_id"`
		Kind      string            `bson:"kind"`
		EntryID   string            `bson:"entry_id"`
		Versions  []versionDocument `bson:"versions"`
		UpdatedAt time.Time         `bson:"updated_at,omitempty"`
	}

	// versionDocument is the MongoDB document representation of a version
	// record. The spec stays serialized so BSON round-trips cannot reshape
	// it.
	versionDocument struct {
		Version     string         `bson:"version"`
		Spec        []byte         `bson:"spec"`
		CreatedAt   time.Time      `bson:"created_at"`
		UpdatedAt   time.Time      `bson:"updated_at,omitempty"`
		IsPublished bool           `bson:"is_published"`
		Metadata    map[string]any `bson:"metadata,omitempty"`
	}
)

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New creates a store over the provided connected client. It ensures the
// kind index used by List.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
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
	wrapper := mongoCollection{coll: mcoll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Load retrieves the entry for (kind, id).
func (s *Store) Load(ctx context.Context, kind store.Kind, id string) (*store.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc entryDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": docKey(kind, id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get %s/%s: %w", kind, id, err)
	}
	return fromDocument(&doc), nil
}

// Save stores or replaces the entry document for (kind, entry.ID).
func (s *Store) Save(ctx context.Context, kind store.Kind, entry *store.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := toDocument(kind, entry)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save %s/%s: %w", kind, entry.ID, err)
	}
	return nil
}

// Delete removes the entry document for (kind, id).
func (s *Store) Delete(ctx context.Context, kind store.Kind, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.coll.DeleteOne(ctx, bson.M{"_id": docKey(kind, id)})
	if err != nil {
		return fmt.Errorf("mongodb delete %s/%s: %w", kind, id, err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns the entity ids stored under the kind.
func (s *Store) List(ctx context.Context, kind store.Kind) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ids []string
	if err := s.coll.Distinct(ctx, "entry_id", bson.M{"kind": string(kind)}).Decode(&ids); err != nil {
		return nil, fmt.Errorf("mongodb list %s: %w", kind, err)
	}
	return ids, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func docKey(kind store.Kind, id string) string {
	return string(kind) + "/" + id
}

// toDocument converts an entry to its MongoDB document. Versions are ordered
// by version string so documents are deterministic.
func toDocument(kind store.Kind, entry *store.Entry) *entryDocument {
	versions := make([]string, 0, len(entry.Versions))
	for v := range entry.Versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	docs := make([]versionDocument, len(versions))
	for i, v := range versions {
		rec := entry.Versions[v]
		docs[i] = versionDocument{
			Version:     rec.Version,
			Spec:        []byte(rec.Spec),
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			IsPublished: rec.IsPublished,
			Metadata:    rec.Metadata,
		}
	}
	return &entryDocument{
		Key:       docKey(kind, entry.ID),
		Kind:      string(kind),
		EntryID:   entry.ID,
		Versions:  docs,
		UpdatedAt: entry.UpdatedAt,
	}
}

// fromDocument converts a MongoDB document back to an entry.
func fromDocument(doc *entryDocument) *store.Entry {
	entry := &store.Entry{
		ID:        doc.EntryID,
		Versions:  make(map[string]*store.VersionRecord, len(doc.Versions)),
		UpdatedAt: doc.UpdatedAt,
	}
	for _, vd := range doc.Versions {
		entry.Versions[vd.Version] = &store.VersionRecord{
			Version:     vd.Version,
			Spec:        vd.Spec,
			CreatedAt:   vd.CreatedAt,
			UpdatedAt:   vd.UpdatedAt,
			IsPublished: vd.IsPublished,
			Metadata:    vd.Metadata,
		}
	}
	return entry
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Distinct(ctx context.Context, fieldName string, filter any, opts ...options.Lister[options.DistinctOptions]) distinctResult
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type distinctResult interface {
	Decode(val any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Distinct(ctx context.Context, fieldName string, filter any, opts ...options.Lister[options.DistinctOptions]) distinctResult {
	return c.coll.Distinct(ctx, fieldName, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
