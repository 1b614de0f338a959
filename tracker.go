package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"clinic-smsgw/coding"
)

var ErrBroadcastNotFound = errors.New("broadcast not found")

type BroadcastStatus string

const (
	StatusQueued    BroadcastStatus = "queued"
	StatusRunning   BroadcastStatus = "running"
	StatusCompleted BroadcastStatus = "completed"
	StatusCancelled BroadcastStatus = "cancelled"
	StatusFailed    BroadcastStatus = "failed"
)

var allStatuses = []BroadcastStatus{StatusQueued, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed}

func (s BroadcastStatus) finished() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Progress is a point-in-time view of a broadcast.
type Progress struct {
	ID         string          `json:"id"`
	Status     BroadcastStatus `json:"status"`
	Total      int             `json:"total"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Segments   int             `json:"segments"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Processed is the number of recipients handled so far.
func (p Progress) Processed() int {
	return p.Sent + p.Failed + p.Skipped
}

// Percent is the share of recipients processed, 0-100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Processed()) * 100 / float64(p.Total)
}

// Outcome is the result of handling one recipient.
type Outcome struct {
	Status   MsgStatus
	Encoding coding.Encoding
	Segments int
	Err      error
}

// Totals aggregates every broadcast the tracker has seen.
type Totals struct {
	Messages   map[MsgStatus]int
	Segments   map[coding.Encoding]int
	ByStatus   map[BroadcastStatus]int
	Broadcasts int
}

type trackedBroadcast struct {
	progress Progress
	cancel   context.CancelFunc
}

// Tracker keeps broadcast progress in memory. It is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	broadcasts map[string]*trackedBroadcast
	messages   map[MsgStatus]int
	segments   map[coding.Encoding]int
	now        func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		broadcasts: make(map[string]*trackedBroadcast),
		messages:   make(map[MsgStatus]int),
		segments:   make(map[coding.Encoding]int),
		now:        time.Now,
	}
}

// Queue registers a broadcast that has not started yet. Re-queueing a known
// id is a no-op.
func (t *Tracker) Queue(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.broadcasts[id]; ok {
		return
	}
	t.broadcasts[id] = &trackedBroadcast{progress: Progress{
		ID:        id,
		Status:    StatusQueued,
		Total:     total,
		CreatedAt: t.now(),
	}}
}

// Start marks a broadcast running and remembers how to cancel it. It returns
// false if the broadcast was cancelled while queued.
func (t *Tracker) Start(id string, total int, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.broadcasts[id]
	if !ok {
		tb = &trackedBroadcast{progress: Progress{ID: id, CreatedAt: t.now()}}
		t.broadcasts[id] = tb
	}
	if tb.progress.Status.finished() {
		return false
	}
	tb.progress.Status = StatusRunning
	tb.progress.Total = total
	tb.progress.StartedAt = t.now()
	tb.cancel = cancel
	return true
}

// Record adds one recipient outcome to a running broadcast.
func (t *Tracker) Record(id string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.broadcasts[id]
	if !ok {
		return
	}
	switch o.Status {
	case MsgStatusSent:
		tb.progress.Sent++
		tb.progress.Segments += o.Segments
		t.segments[o.Encoding] += o.Segments
	case MsgStatusFailed:
		tb.progress.Failed++
	case MsgStatusSkipped:
		tb.progress.Skipped++
	}
	if o.Err != nil {
		tb.progress.LastError = o.Err.Error()
	}
	t.messages[o.Status]++
}

// Finish sets the final status and drops the cancel func.
func (t *Tracker) Finish(id string, status BroadcastStatus, err error) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.broadcasts[id]
	if !ok {
		tb = &trackedBroadcast{progress: Progress{ID: id, CreatedAt: t.now()}}
		t.broadcasts[id] = tb
	}
	tb.progress.Status = status
	tb.progress.FinishedAt = t.now()
	if err != nil {
		tb.progress.LastError = err.Error()
	}
	tb.cancel = nil
	return tb.progress
}

// Cancel stops a running broadcast, or marks a queued one cancelled so it
// is skipped when a worker picks it up.
func (t *Tracker) Cancel(id string) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.broadcasts[id]
	if !ok {
		return Progress{}, ErrBroadcastNotFound
	}
	switch {
	case tb.progress.Status == StatusQueued:
		tb.progress.Status = StatusCancelled
		tb.progress.FinishedAt = t.now()
	case tb.cancel != nil:
		tb.cancel()
	}
	return tb.progress, nil
}

func (t *Tracker) Get(id string) (Progress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tb, ok := t.broadcasts[id]
	if !ok {
		return Progress{}, ErrBroadcastNotFound
	}
	return tb.progress, nil
}

// List returns every broadcast, newest first.
func (t *Tracker) List() []Progress {
	t.mu.RLock()
	out := make([]Progress, 0, len(t.broadcasts))
	for _, tb := range t.broadcasts {
		out = append(out, tb.progress)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totals := Totals{
		Messages:   make(map[MsgStatus]int, len(t.messages)),
		Segments:   make(map[coding.Encoding]int, len(t.segments)),
		ByStatus:   make(map[BroadcastStatus]int),
		Broadcasts: len(t.broadcasts),
	}
	for k, v := range t.messages {
		totals.Messages[k] = v
	}
	for k, v := range t.segments {
		totals.Segments[k] = v
	}
	for _, tb := range t.broadcasts {
		totals.ByStatus[tb.progress.Status]++
	}
	return totals
}
