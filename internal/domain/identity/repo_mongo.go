package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const identityCollection = "identities"

// identityDoc is the stored shape; ids are kept as strings so documents stay
// readable from the mongo shell.
type identityDoc struct {
	ID                   string               `bson:"_id"`
	Email                string               `bson:"email"`
	Name                 string               `bson:"name"`
	ProfileImage         string               `bson:"profile_image,omitempty"`
	Role                 string               `bson:"role"`
	FirebaseUID          string               `bson:"firebase_uid,omitempty"`
	PasswordHash         string               `bson:"password_hash,omitempty"`
	Phone                string               `bson:"phone,omitempty"`
	Specialization       string               `bson:"specialization,omitempty"`
	VerificationStatus   string               `bson:"verification_status,omitempty"`
	NotificationSettings NotificationSettings `bson:"notification_settings"`
	CreatedAt            time.Time            `bson:"created_at"`
	UpdatedAt            time.Time            `bson:"updated_at"`
}

func toDoc(i *Identity) identityDoc {
	return identityDoc{
		ID:                   i.ID.String(),
		Email:                i.Email,
		Name:                 i.Name,
		ProfileImage:         i.ProfileImage,
		Role:                 string(i.Role),
		FirebaseUID:          i.FirebaseUID,
		PasswordHash:         i.PasswordHash,
		Phone:                i.Phone,
		Specialization:       i.Specialization,
		VerificationStatus:   string(i.VerificationStatus),
		NotificationSettings: i.NotificationSettings,
		CreatedAt:            i.CreatedAt,
		UpdatedAt:            i.UpdatedAt,
	}
}

func (d identityDoc) toIdentity() (*Identity, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("stored identity id %q: %w", d.ID, err)
	}
	return &Identity{
		ID:                   id,
		Email:                d.Email,
		Name:                 d.Name,
		ProfileImage:         d.ProfileImage,
		Role:                 Role(d.Role),
		FirebaseUID:          d.FirebaseUID,
		PasswordHash:         d.PasswordHash,
		Phone:                d.Phone,
		Specialization:       d.Specialization,
		VerificationStatus:   VerificationStatus(d.VerificationStatus),
		NotificationSettings: d.NotificationSettings,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}, nil
}

// MongoRepo is the MongoDB-backed Repository.
type MongoRepo struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewRepoMongo stores identities in the "identities" collection of db.
// EnsureIndexes must run before the first write.
func NewRepoMongo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{coll: db.Collection(identityCollection), now: time.Now}
}

// EnsureIndexes creates the unique email index.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("identities_email_unique"),
		},
		{
			Keys:    bson.D{{Key: "firebase_uid", Value: 1}},
			Options: options.Index().SetName("identities_firebase_uid"),
		},
	})
	if err != nil {
		return fmt.Errorf("create identity indexes: %w", err)
	}
	return nil
}

func (r *MongoRepo) Create(ctx context.Context, ident *Identity) error {
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	now := r.now().UTC()
	ident.CreatedAt = now
	ident.UpdatedAt = now

	_, err := r.coll.InsertOne(ctx, toDoc(ident))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (r *MongoRepo) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	var doc identityDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return doc.toIdentity()
}

func (r *MongoRepo) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	cursor, err := r.coll.Find(ctx, bson.M{"email": NormalizeEmail(email)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find identity by email: %w", err)
	}
	var docs []identityDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode identities: %w", err)
	}

	candidates := make([]*Identity, 0, len(docs))
	for _, d := range docs {
		ident, err := d.toIdentity()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, ident)
	}
	if best := ResolvePrecedence(candidates); best != nil {
		return best, nil
	}
	return nil, ErrNotFound
}

func (r *MongoRepo) FindByFirebaseUID(ctx context.Context, uid string) (*Identity, error) {
	if uid == "" {
		return nil, ErrNotFound
	}
	var doc identityDoc
	err := r.coll.FindOne(ctx, bson.M{"firebase_uid": uid},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find identity by firebase uid: %w", err)
	}
	return doc.toIdentity()
}

func (r *MongoRepo) Update(ctx context.Context, ident *Identity) error {
	ident.UpdatedAt = r.now().UTC()
	update := bson.M{"$set": bson.M{
		"name":                  ident.Name,
		"profile_image":         ident.ProfileImage,
		"role":                  string(ident.Role),
		"firebase_uid":          ident.FirebaseUID,
		"password_hash":         ident.PasswordHash,
		"phone":                 ident.Phone,
		"specialization":        ident.Specialization,
		"verification_status":   string(ident.VerificationStatus),
		"notification_settings": ident.NotificationSettings,
		"updated_at":            ident.UpdatedAt,
	}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": ident.ID.String()}, update)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Identity, int, error) {
	q := bson.M{}
	if filter.Role != "" {
		q["role"] = string(filter.Role)
	}
	if filter.VerificationStatus != "" {
		q["verification_status"] = string(filter.VerificationStatus)
	}

	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("count identities: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	cursor, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list identities: %w", err)
	}
	var docs []identityDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("decode identities: %w", err)
	}

	out := make([]*Identity, 0, len(docs))
	for _, d := range docs {
		ident, err := d.toIdentity()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ident)
	}
	return out, int(total), nil
}
