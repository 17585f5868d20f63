package storage

import (
	"context"
	"time"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ref is a reference to another document. Hex ids are stored as ObjectIDs,
// the way admins and categories reference each other in the works schema;
// anything else is stored as a plain string.
type ref string

func (v ref) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if oid, err := primitive.ObjectIDFromHex(string(v)); err == nil {
		return bson.MarshalValue(oid)
	}
	return bson.MarshalValue(string(v))
}

func (v *ref) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bson.TypeObjectID:
		*v = ref(raw.ObjectID().Hex())
	case bson.TypeString:
		*v = ref(raw.StringValue())
	case bson.TypeNull, bson.TypeUndefined:
		*v = ""
	default:
		return errors.Errorf("cannot decode %s into a reference", t)
	}
	return nil
}

// match accepts both encodings so documents written with string references
// keep matching.
func (v ref) match() any {
	if oid, err := primitive.ObjectIDFromHex(string(v)); err == nil {
		return bson.M{"$in": bson.A{oid, string(v)}}
	}
	return string(v)
}

type workDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	AdminID    ref                `bson:"adminId"`
	CategoryID ref                `bson:"categoryId"`
	Prompt     string             `bson:"prompt"`
	ImageURL   string             `bson:"imageUrl"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

func (d workDoc) work() domain.Work {
	return domain.Work{
		ID:         d.ID.Hex(),
		OwnerID:    string(d.AdminID),
		CategoryID: string(d.CategoryID),
		Prompt:     d.Prompt,
		ImageURL:   d.ImageURL,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

type Mongo struct {
	collection *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{collection: db.Collection("works")}
}

func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "adminId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	return errors.Wrap(err, "create works index")
}

// scopedFilter matches id within scope. An id that is not an ObjectID can never
// exist, so it reports ErrNotFound.
func scopedFilter(id, scope string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	f := bson.M{"_id": oid}
	if scope != "" {
		f["adminId"] = ref(scope).match()
	}
	return f, nil
}

func (m *Mongo) Get(ctx context.Context, id string) (domain.Work, error) {
	f, err := scopedFilter(id, "")
	if err != nil {
		return domain.Work{}, err
	}
	var d workDoc
	if err := m.collection.FindOne(ctx, f).Decode(&d); err != nil {
		return domain.Work{}, notFound(err)
	}
	return d.work(), nil
}

func (m *Mongo) Create(ctx context.Context, w domain.Work) (domain.Work, error) {
	now := time.Now().UTC()
	d := workDoc{
		ID:         primitive.NewObjectID(),
		AdminID:    ref(w.OwnerID),
		CategoryID: ref(w.CategoryID),
		Prompt:     w.Prompt,
		ImageURL:   w.ImageURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := m.collection.InsertOne(ctx, d); err != nil {
		return domain.Work{}, errors.Wrap(err, "insert work")
	}
	return d.work(), nil
}

func (m *Mongo) Delete(ctx context.Context, id, scope string) error {
	f, err := scopedFilter(id, scope)
	if err != nil {
		return err
	}
	res, err := m.collection.DeleteOne(ctx, f)
	if err != nil {
		return errors.Wrap(err, "delete work")
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *Mongo) Update(ctx context.Context, id, scope string, p domain.WorkPatch) (domain.Work, error) {
	f, err := scopedFilter(id, scope)
	if err != nil {
		return domain.Work{}, err
	}
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range p.Fields() {
		set[k] = v
	}
	if p.CategoryID != nil {
		set[domain.FieldCategoryID] = ref(*p.CategoryID)
	}
	var d workDoc
	err = m.collection.FindOneAndUpdate(ctx, f, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if err != nil {
		return domain.Work{}, notFound(err)
	}
	return d.work(), nil
}

func (m *Mongo) ListByOwner(ctx context.Context, ownerID string, skip, limit int64) ([]domain.Work, error) {
	return m.find(ctx, bson.M{"adminId": ref(ownerID).match()}, skip, limit)
}

func (m *Mongo) ListAll(ctx context.Context, skip, limit int64) ([]domain.Work, error) {
	return m.find(ctx, bson.M{}, skip, limit)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.collection.Database().Client().Ping(ctx, nil)
}

func (m *Mongo) find(ctx context.Context, f bson.M, skip, limit int64) ([]domain.Work, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)
	cursor, err := m.collection.Find(ctx, f, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find works")
	}
	defer cursor.Close(ctx)

	var docs []workDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode works")
	}
	out := make([]domain.Work, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.work())
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ErrNotFound
	}
	return errors.WithStack(err)
}
