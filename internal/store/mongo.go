// ABOUTME: MongoDB session store keeping one document per session with an array of turns
// ABOUTME: Reads slice the tail of the array so only the window leaves the server

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCloseTimeout = 5 * time.Second

// MongoSessionStore implements SessionStore on a MongoDB collection.
type MongoSessionStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

type mongoTurn struct {
	ID        string    `bson:"id"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"timestamp"`
}

type mongoSession struct {
	SessionID string      `bson:"session_id"`
	Messages  []mongoTurn `bson:"messages"`
}

// NewMongoSessionStore connects and pings the server.
func NewMongoSessionStore(ctx context.Context, uri, database, collection string) (*MongoSessionStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if collection == "" {
		return nil, errors.New("mongo collection name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating session index: %w", err)
	}

	logger := slog.Default().With("component", "store", "backend", "mongo")
	logger.Info("mongo session store initialized", "database", database, "collection", collection)
	return &MongoSessionStore{client: client, collection: coll, logger: logger}, nil
}

// AppendTurn pushes a turn onto the session document, creating it if needed.
func (m *MongoSessionStore) AppendTurn(ctx context.Context, sessionID string, role Role, content string) error {
	turn := mongoTurn{
		ID:        uuid.New().String(),
		Role:      string(role),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$push": bson.M{"messages": turn}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	m.logger.Debug("appended turn", "id", turn.ID, "session_id", sessionID, "role", role)
	return nil
}

// RecentTurns returns the tail of the session's turn array.
func (m *MongoSessionStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	opts := options.FindOne()
	if limit > 0 {
		opts.SetProjection(bson.M{"messages": bson.M{"$slice": -limit}})
	}

	var doc mongoSession
	err := m.collection.FindOne(ctx, bson.M{"session_id": sessionID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	turns := make([]*Turn, 0, len(doc.Messages))
	for _, t := range doc.Messages {
		turns = append(turns, &Turn{
			ID:        t.ID,
			SessionID: sessionID,
			Role:      normalizeRole(t.Role),
			Content:   t.Content,
			CreatedAt: t.Timestamp,
		})
	}
	return turns, nil
}

// Ping checks that the server is reachable.
func (m *MongoSessionStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *MongoSessionStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// normalizeRole maps roles written by older deployments ("model") onto Role.
func normalizeRole(role string) Role {
	switch role {
	case "model", string(RoleAssistant):
		return RoleAssistant
	default:
		return RoleUser
	}
}
