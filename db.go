package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the postgres-backed RecordStore.
type DB struct {
	pool *pgxpool.Pool
	gorm *gorm.DB
}

// NewDB opens a pgx pool, hands it to gorm and migrates the record tables.
func NewDB(ctx context.Context, dbURL string, lm *LogManager) (*DB, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.HealthCheckPeriod = 5 * time.Minute
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{
		Logger: logger.New(lm.Logger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to open gorm: %w", err)
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&MsgRecordDBItem{}, &BroadcastDBItem{}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DB{pool: pool, gorm: gormDB}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) InsertMsgRecord(ctx context.Context, item *MsgRecordDBItem) error {
	return db.gorm.WithContext(ctx).Create(item).Error
}

func (db *DB) SaveBroadcast(ctx context.Context, item *BroadcastDBItem) error {
	return db.gorm.WithContext(ctx).Save(item).Error
}

// GetUsage sums sent messages and segments from a number since a point in time.
func (db *DB) GetUsage(ctx context.Context, from string, since time.Time) (Usage, error) {
	usage := Usage{From: from}
	err := db.gorm.WithContext(ctx).Model(&MsgRecordDBItem{}).
		Select("COUNT(*) AS messages, COALESCE(SUM(total_segments), 0) AS segments").
		Where(`"from" = ? AND status = ? AND created_at >= ?`, from, MsgStatusSent, since).
		Scan(&usage).Error
	if err != nil {
		return Usage{}, fmt.Errorf("usage query failed: %w", err)
	}
	usage.From = from
	return usage, nil
}

// nopRecordStore is used when no database is configured.
type nopRecordStore struct{}

func (nopRecordStore) InsertMsgRecord(context.Context, *MsgRecordDBItem) error { return nil }
func (nopRecordStore) SaveBroadcast(context.Context, *BroadcastDBItem) error   { return nil }
func (nopRecordStore) GetUsage(_ context.Context, from string, _ time.Time) (Usage, error) {
	return Usage{From: from}, nil
}
