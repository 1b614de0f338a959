package main

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("broadcast queue closed")

// BroadcastQueue hands accepted broadcasts to the workers that run them.
type BroadcastQueue interface {
	Enqueue(ctx context.Context, b *Broadcast) error
	// Deliveries returns the stream workers read from. It is closed once
	// the queue is closed.
	Deliveries(ctx context.Context) (<-chan *Broadcast, error)
	Close() error
}

// memoryQueue is an in-process BroadcastQueue. Close wakes any Enqueue
// blocked on a full channel and waits for it before closing the channel.
type memoryQueue struct {
	mu      sync.Mutex
	ch      chan *Broadcast
	done    chan struct{}
	senders sync.WaitGroup
	closed  bool
}

func newMemoryQueue(size int) *memoryQueue {
	return &memoryQueue{
		ch:   make(chan *Broadcast, size),
		done: make(chan struct{}),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, b *Broadcast) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.ch <- b:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Deliveries(context.Context) (<-chan *Broadcast, error) {
	return q.ch, nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.senders.Wait()
	close(q.ch)
	return nil
}
