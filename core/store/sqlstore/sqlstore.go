// Package sqlstore implements store.Store on SQLite through GORM.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
)

// Compile-time assertion that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// messageRecord is the table row for one message.
type messageRecord struct {
	ID              string `gorm:"primaryKey"`
	OriginID        string `gorm:"index;not null"`
	Text            string
	Category        string
	Latitude        *float64
	Longitude       *float64
	Equipment       string
	CreatedAt       int64 `gorm:"column:created_at;index;autoCreateTime:false"`
	HopCount        int
	LocallyAuthored bool
	Acknowledged    bool `gorm:"index"`
}

func (messageRecord) TableName() string { return "messages" }

func fromMessage(m *message.Message) *messageRecord {
	return &messageRecord{
		ID:              m.ID,
		OriginID:        m.OriginID,
		Text:            m.Payload.Text,
		Category:        m.Payload.Category,
		Latitude:        m.Payload.Latitude,
		Longitude:       m.Payload.Longitude,
		Equipment:       m.Payload.Equipment,
		CreatedAt:       m.CreatedAt,
		HopCount:        m.HopCount,
		LocallyAuthored: m.LocallyAuthored,
		Acknowledged:    m.Acknowledged,
	}
}

func (r *messageRecord) toMessage() *message.Message {
	return &message.Message{
		ID:       r.ID,
		OriginID: r.OriginID,
		Payload: message.Payload{
			Text:      r.Text,
			Category:  r.Category,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Equipment: r.Equipment,
		},
		CreatedAt:       r.CreatedAt,
		HopCount:        r.HopCount,
		LocallyAuthored: r.LocallyAuthored,
		Acknowledged:    r.Acknowledged,
	}
}

// Config configures the SQLite store.
type Config struct {
	// Path is the database file. Required.
	Path string

	// Logger for store events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Store is a store.Store persisted in a SQLite database.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
	hub *store.Hub

	// mu serializes mutations with snapshot publication.
	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at cfg.Path and migrates
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messageRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.WithGroup("sqlstore"),
		hub: store.NewHub(),
	}
	s.log.Debug("opened message database", "path", cfg.Path)
	return s, nil
}

// InsertIfAbsent stores m unless its ID is already held.
func (s *Store) InsertIfAbsent(ctx context.Context, m *message.Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fromMessage(m))
	if res.Error != nil {
		return false, fmt.Errorf("inserting message %s: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.publishLocked(ctx)
	return true, nil
}

// MarkAcknowledged raises the Acknowledged flag of a held message.
func (s *Store) MarkAcknowledged(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	res := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("id = ? AND acknowledged = ?", id, false).
		Update("acknowledged", true)
	if res.Error != nil {
		return false, fmt.Errorf("acknowledging message %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		s.publishLocked(ctx)
		return true, nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&messageRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("looking up message %s: %w", id, err)
	}
	if n == 0 {
		return false, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return false, nil
}

// Get returns the message with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*message.Message, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	var rec messageRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", id, err)
	}
	return rec.toMessage(), nil
}

// All returns every message ordered by recency.
func (s *Store) All(ctx context.Context) ([]*message.Message, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	return s.loadAll(ctx)
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, store.ErrClosed
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&messageRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return int(n), nil
}

// Observe returns a coalescing stream of snapshots.
func (s *Store) Observe(ctx context.Context) <-chan store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initial []*message.Message
	if !s.closed {
		msgs, err := s.loadAll(ctx)
		if err != nil {
			s.log.Warn("failed to load initial snapshot", "error", err)
		}
		initial = msgs
	}
	return s.hub.Subscribe(ctx, store.Snapshot{Messages: initial})
}

// Close closes all observers and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.Close()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) loadAll(ctx context.Context) ([]*message.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).Order("created_at desc").Order("id asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	out := make([]*message.Message, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage()
	}
	return out, nil
}

// publishLocked must be called with s.mu held.
func (s *Store) publishLocked(ctx context.Context) {
	if !s.hub.HasSubscribers() {
		return
	}
	msgs, err := s.loadAll(context.WithoutCancel(ctx))
	if err != nil {
		s.log.Warn("failed to load snapshot", "error", err)
		return
	}
	s.hub.Publish(msgs)
}
