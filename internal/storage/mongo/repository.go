package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conti/internal/core"
	"conti/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "groups"

// GroupRepository persists groups in the "groups" collection. The version
// field guards every replace so concurrent writers cannot lose updates.
type GroupRepository struct {
	client     *Client
	collection *mongo.Collection
}

var _ storage.Repository = (*GroupRepository)(nil)

func NewGroupRepository(client *Client) *GroupRepository {
	return &GroupRepository{
		client:     client,
		collection: client.Database().Collection(collectionName),
	}
}

// EnsureIndexes creates the indexes List relies on.
func (r *GroupRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create group indexes: %w", err)
	}
	return nil
}

func (r *GroupRepository) Load(ctx context.Context, id string) (core.Group, error) {
	var g core.Group
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&g)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Group{}, core.NewGroupNotFound(id)
		}
		return core.Group{}, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) Save(ctx context.Context, g core.Group) (core.Group, error) {
	// BSON dates hold milliseconds
	now := time.Now().UTC().Truncate(time.Millisecond)
	out := g.Clone()
	out.UpdatedAt = now
	if g.Version == 0 {
		out.CreatedAt = now
	}
	out.Version = g.Version + 1

	if g.Version == 0 {
		if _, err := r.collection.InsertOne(ctx, out); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return core.Group{}, fmt.Errorf("insert group %s: %w", g.ID, core.ErrVersionConflict)
			}
			return core.Group{}, fmt.Errorf("failed to insert group: %w", err)
		}
		return out, nil
	}

	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": g.ID, "version": g.Version}, out)
	if err != nil {
		return core.Group{}, fmt.Errorf("failed to replace group: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := r.collection.CountDocuments(ctx, bson.M{"_id": g.ID})
		if err != nil {
			return core.Group{}, fmt.Errorf("failed to count groups: %w", err)
		}
		if n == 0 {
			return core.Group{}, core.NewGroupNotFound(g.ID)
		}
		return core.Group{}, fmt.Errorf("replace group %s at version %d: %w", g.ID, g.Version, core.ErrVersionConflict)
	}
	return out, nil
}

func (r *GroupRepository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if res.DeletedCount == 0 {
		return core.NewGroupNotFound(id)
	}
	return nil
}

// List returns summaries, most recently updated first.
func (r *GroupRepository) List(ctx context.Context) ([]core.GroupSummary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []core.Group
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}

	out := make([]core.GroupSummary, len(groups))
	for i, g := range groups {
		out[i] = g.Summary()
	}
	return out, nil
}

func (r *GroupRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *GroupRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Close(ctx)
}
