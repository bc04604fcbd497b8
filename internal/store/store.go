// Package store persists session summaries (C12): start/stop timestamps,
// recalibration and anomaly counts, and the final fused position. A
// map-backed in-memory implementation is used when no MongoDB URI is
// configured so the engine runs standalone.
package store

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stridefusion/pdrengine/internal/types"
)

// SessionSummary is the persisted record of one tracking session.
type SessionSummary struct {
	AttendanceID       string                 `bson:"attendanceId"`
	SessionID          string                 `bson:"sessionId"`
	StartedAtMs        int64                  `bson:"startedAtMs"`
	EndedAtMs          int64                  `bson:"endedAtMs,omitempty"`
	RecalibrationCount uint64                 `bson:"recalibrationCount"`
	GPSAnomalyCount    uint32                 `bson:"gpsAnomalyCount"`
	FinalFused         types.FusedPosition    `bson:"finalFused"`
	Environment        types.EnvironmentState `bson:"environment"`
}

// Store persists SessionSummary documents.
type Store interface {
	Upsert(ctx context.Context, s SessionSummary) error
	Get(ctx context.Context, sessionID string) (SessionSummary, bool, error)
}

// InMemoryStore is a no-op-adjacent Store backed by a map, used when no
// Mongo URI is configured.
type InMemoryStore struct {
	mu   sync.Mutex
	docs map[string]SessionSummary
}

// NewInMemoryStore builds an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]SessionSummary)}
}

func (s *InMemoryStore) Upsert(_ context.Context, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[summary.SessionID] = summary
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (SessionSummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[sessionID]
	return doc, ok, nil
}

// MongoStore persists SessionSummary documents to a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

// Connect dials uri and returns a MongoStore writing to database.collection.
func Connect(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}
	return &MongoStore{collection: client.Database(database).Collection(collection)}, nil
}

// Upsert writes summary, replacing any existing document for its SessionID.
func (m *MongoStore) Upsert(ctx context.Context, summary SessionSummary) error {
	filter := bson.M{"sessionId": summary.SessionID}
	update := bson.M{"$set": summary}
	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Get fetches the summary for sessionID, if any.
func (m *MongoStore) Get(ctx context.Context, sessionID string) (SessionSummary, bool, error) {
	var doc SessionSummary
	err := m.collection.FindOne(ctx, bson.M{"sessionId": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return SessionSummary{}, false, nil
	}
	if err != nil {
		return SessionSummary{}, false, err
	}
	return doc, true, nil
}
