package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Gateway ties the carriers, stores, queue and broadcast engine together.
type Gateway struct {
	Config      Config
	LogManager  *LogManager
	Carriers    map[string]CarrierHandler
	Records     RecordStore
	OptOuts     OptOutStore
	Queue       BroadcastQueue
	Tracker     *Tracker
	Broadcaster *Broadcaster

	closers []func() error
}

// NewGateway connects every configured backend. Postgres, MongoDB and
// RabbitMQ are optional; without them records are dropped, opt-outs live in
// memory and broadcasts are queued in-process.
func NewGateway(ctx context.Context, cfg Config, lm *LogManager) (*Gateway, error) {
	carriers, err := loadCarriers(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.TelnyxEnabled && cfg.TelnyxPublicKey == "" {
		lm.SendLog(lm.BuildLog("Gateway", "TELNYX_PUBLIC_KEY not set, Telnyx webhooks are not verified", logrus.WarnLevel, nil))
	}

	gateway := &Gateway{
		Config:     cfg,
		LogManager: lm,
		Carriers:   carriers,
		Records:    nopRecordStore{},
		OptOuts:    newMemoryOptOutStore(),
		Tracker:    NewTracker(),
	}

	if dbURL := cfg.DatabaseURL(); dbURL != "" {
		db, err := NewDB(ctx, dbURL, lm)
		if err != nil {
			return nil, err
		}
		gateway.Records = db
		gateway.closers = append(gateway.closers, func() error {
			db.Close()
			return nil
		})
	} else {
		lm.SendLog(lm.BuildLog("Gateway", "DB_HOST not set, message records will not be stored", logrus.WarnLevel, nil))
	}

	if cfg.MongoURI != "" {
		store, err := NewMongoOptOutStore(ctx, cfg.MongoURI, cfg.OptOutDB)
		if err != nil {
			gateway.Close()
			return nil, err
		}
		gateway.OptOuts = store
		gateway.closers = append(gateway.closers, func() error {
			return store.Close(context.Background())
		})
	} else {
		lm.SendLog(lm.BuildLog("Gateway", "MONGODB_URI not set, opt-outs are kept in memory", logrus.WarnLevel, nil))
	}

	if cfg.AMQPURL != "" {
		gateway.Queue = newAMQPBroadcastQueue(cfg.AMQPURL, cfg.QueueName, lm)
	} else {
		gateway.Queue = newMemoryQueue(cfg.Workers * 16)
	}

	gateway.Broadcaster = &Broadcaster{
		Carriers:       carriers,
		DefaultCarrier: cfg.DefaultCarrier,
		Records:        gateway.Records,
		OptOuts:        gateway.OptOuts,
		Tracker:        gateway.Tracker,
		LogManager:     lm,
		Attempts:       cfg.SendAttempts,
		RetryDelay:     cfg.SendRetryDelay,
		EncryptionKey:  cfg.EncryptionKey,
		ServerID:       cfg.ServerID,
	}

	carrierNames := make([]string, 0, len(carriers))
	for name := range carriers {
		carrierNames = append(carrierNames, name)
	}
	lm.SendLog(lm.BuildLog("Gateway", "initialized", logrus.InfoLevel, map[string]interface{}{
		"carriers": carrierNames,
		"workers":  cfg.Workers,
		"amqp":     cfg.AMQPURL != "",
	}))
	return gateway, nil
}

// runWorkers consumes the broadcast queue with Config.Workers goroutines and
// blocks until ctx is done or the queue is closed.
func (gateway *Gateway) runWorkers(ctx context.Context) error {
	deliveries, err := gateway.Queue.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("broadcast queue: %w", err)
	}

	workers := gateway.Config.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-deliveries:
					if !ok {
						return
					}
					if p, err := gateway.Broadcaster.Run(ctx, b); err != nil {
						gateway.LogManager.SendLog(gateway.LogManager.BuildLog("Gateway.Worker", "broadcast failed", logrus.ErrorLevel, map[string]interface{}{
							"broadcastID": b.ID,
							"status":      p.Status,
						}, err))
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Close releases the queue and store connections.
func (gateway *Gateway) Close() error {
	var errs []error
	if gateway.Queue != nil {
		if err := gateway.Queue.Close(); err != nil && !errors.Is(err, ErrQueueClosed) {
			errs = append(errs, err)
		}
	}
	for i := len(gateway.closers) - 1; i >= 0; i-- {
		if err := gateway.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	gateway.closers = nil
	return errors.Join(errs...)
}
