// Simulates the REST API tier for local runs: commit one direct message
// to Postgres, then bridge the committed write to the broker over the
// Kafka commit topic. The ordering is the bridge contract — the
// notification is published only after the insert was acknowledged.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/SahilKulkarni10/metaconnect-broker/bridge"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/store"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	dsn := getEnv("PG_DSN", "host=localhost port=5432 user=postgres password=postgres dbname=metaconnect sslmode=disable")
	brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getEnv("KAFKA_COMMIT_TOPIC", "api-commits")

	senderID := getEnv("SENDER_ID", "user-a")
	recipientID := getEnv("RECIPIENT_ID", "user-b")
	body := getEnv("BODY", "hello from the api simulator")

	db, err := store.OpenPostgres(dsn)
	if err != nil {
		log.Fatalf("Failed to open postgres: %v", err)
	}
	messages := store.NewPostgresMessageStore(db)

	publisher, err := bridge.NewKafkaPublisher(brokers, topic)
	if err != nil {
		log.Fatalf("Failed to create Kafka publisher: %v", err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msg := &store.Message{
		ID:          ksuid.New().String(),
		ClientKey:   getEnv("CLIENT_KEY", ksuid.New().String()),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}

	created, err := messages.Insert(ctx, msg)
	if err != nil {
		log.Fatalf("Insert failed, nothing to notify: %v", err)
	}
	if !created {
		// A retry with the same client key already committed; the
		// original run did the notifying.
		log.Printf("Message with client key %s already committed, skipping notification", msg.ClientKey)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("Failed to marshal message: %v", err)
	}

	err = publisher.NotifyAfterCommit(ctx, bridge.Notification{
		RoomID:  protocol.UserRoom(recipientID),
		Event:   "new_message",
		Payload: payload,
		Key:     msg.ClientKey,
	})
	if err != nil {
		log.Fatalf("Failed to publish notification: %v", err)
	}

	log.Printf("Committed message %s and notified %s", msg.ID, protocol.UserRoom(recipientID))
}
