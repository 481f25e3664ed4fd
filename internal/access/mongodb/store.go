package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/masterbot-platform/gateway/internal/access"
)

type userRecord struct {
	UserID          int64      `bson:"user_id"`
	Username        string     `bson:"username,omitempty"`
	FirstName       string     `bson:"first_name,omitempty"`
	IsActive        bool       `bson:"is_active"`
	IsAdmin         bool       `bson:"is_admin"`
	AccessExpiresAt *time.Time `bson:"access_expires_at"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func (r userRecord) toRecord() access.Record {
	return access.Record{
		UserID:          r.UserID,
		Username:        r.Username,
		FirstName:       r.FirstName,
		IsActive:        r.IsActive,
		IsAdmin:         r.IsAdmin,
		AccessExpiresAt: r.AccessExpiresAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func fromRecord(record access.Record) userRecord {
	return userRecord{
		UserID:          record.UserID,
		Username:        record.Username,
		FirstName:       record.FirstName,
		IsActive:        record.IsActive,
		IsAdmin:         record.IsAdmin,
		AccessExpiresAt: record.AccessExpiresAt,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
}

// Store reads and writes access records in the user collection shared with
// the platform bot.
type Store struct {
	collection *mongo.Collection
}

func NewStore(client *mongo.Client) *Store {
	database := client.Database("masterbot")
	collection := database.Collection("users")

	return &Store{
		collection,
	}
}

func (s *Store) Setup(ctx context.Context) error {
	userIdIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}

	_, err := s.collection.Indexes().CreateOne(ctx, userIdIndexModel)

	return err
}

func (s *Store) Lookup(ctx context.Context, userID int64) (access.Record, error) {
	var record userRecord

	err := s.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return access.Record{}, access.ErrNotFound
	}
	if err != nil {
		return access.Record{}, err
	}

	return record.toRecord(), nil
}

func (s *Store) List(ctx context.Context, limit int, offset int) ([]access.Record, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, err
	}

	var rows []userRecord
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	records := make([]access.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}

	return records, nil
}

func (s *Store) Save(ctx context.Context, record access.Record) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"user_id": record.UserID},
		fromRecord(record),
		options.Replace().SetUpsert(true))

	return err
}
