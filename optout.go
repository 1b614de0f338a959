package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const OptOutCollectionName = "optouts"

// OptOutStatus is the opt-out state of one receiver for one sender number.
type OptOutStatus struct {
	Sender    string    `bson:"sender" json:"sender"`
	Receiver  string    `bson:"receiver" json:"receiver"`
	OptedOut  bool      `bson:"opted_out" json:"opted_out"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// OptOutStore records STOP/START replies from patients.
type OptOutStore interface {
	IsOptedOut(ctx context.Context, sender, receiver string) (bool, error)
	SetOptOut(ctx context.Context, sender, receiver string, optedOut bool) error
}

// optOutKeyword maps an inbound body to an opt-out change. ok is false for
// ordinary messages.
func optOutKeyword(body string) (optedOut bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT":
		return true, true
	case "START", "SUBSCRIBE", "UNSTOP", "YES":
		return false, true
	}
	return false, false
}

type MongoOptOutStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoOptOutStore(ctx context.Context, uri, database string) (*MongoOptOutStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(database).Collection(OptOutCollectionName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create opt-out index: %w", err)
	}

	return &MongoOptOutStore{client: client, collection: collection}, nil
}

func (s *MongoOptOutStore) IsOptedOut(ctx context.Context, sender, receiver string) (bool, error) {
	var status OptOutStatus
	err := s.collection.FindOne(ctx, bson.M{"sender": sender, "receiver": receiver}).Decode(&status)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find opt-out status: %w", err)
	}
	return status.OptedOut, nil
}

func (s *MongoOptOutStore) SetOptOut(ctx context.Context, sender, receiver string, optedOut bool) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"sender": sender, "receiver": receiver},
		bson.M{"$set": bson.M{"opted_out": optedOut, "timestamp": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set opt-out status: %w", err)
	}
	return nil
}

func (s *MongoOptOutStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// memoryOptOutStore is used when MongoDB is not configured.
type memoryOptOutStore struct {
	mu       sync.RWMutex
	statuses map[string]bool
}

func newMemoryOptOutStore() *memoryOptOutStore {
	return &memoryOptOutStore{statuses: make(map[string]bool)}
}

func (s *memoryOptOutStore) IsOptedOut(_ context.Context, sender, receiver string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[sender+"|"+receiver], nil
}

func (s *memoryOptOutStore) SetOptOut(_ context.Context, sender, receiver string, optedOut bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sender+"|"+receiver] = optedOut
	return nil
}
