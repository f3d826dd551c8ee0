package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenPostgres connects to the message database and runs migrations.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// PostgresMessageStore implements MessageStore on GORM.
type PostgresMessageStore struct {
	db *gorm.DB
}

func NewPostgresMessageStore(db *gorm.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

// Insert is idempotent on the client key: a retried insert hits the unique
// index and turns into a no-op instead of a duplicate row.
func (s *PostgresMessageStore) Insert(ctx context.Context, msg *Message) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_key"}},
			DoNothing: true,
		}).
		Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresMessageStore) Get(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (s *PostgresMessageStore) MarkRead(ctx context.Context, messageID string) error {
	res := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", messageID).
		Update("read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark message read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing or already read; Get disambiguates for callers
		// that care. The update itself stays monotonic.
		var count int64
		if err := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}
