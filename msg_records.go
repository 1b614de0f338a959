package main

import (
	"context"
	"time"
)

type MsgStatus string

const (
	MsgStatusSent    MsgStatus = "sent"
	MsgStatusFailed  MsgStatus = "failed"
	MsgStatusSkipped MsgStatus = "skipped"
)

// MsgRecordDBItem is one delivery attempt to one recipient.
type MsgRecordDBItem struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	BroadcastID      string    `gorm:"index" json:"broadcast_id"`
	LogID            string    `json:"log_id"`
	ServerID         string    `json:"server_id"`
	To               string    `gorm:"index" json:"to_number"`
	From             string    `gorm:"index" json:"from_number"`
	Carrier          string    `json:"carrier,omitempty"`
	CarrierMessageID string    `json:"carrier_message_id,omitempty"`
	Status           MsgStatus `json:"status"`
	Error            string    `json:"error,omitempty"`
	Attempts         int       `json:"attempts"`
	Encoding         string    `json:"encoding,omitempty"`
	TotalSegments    int       `json:"total_segments"`
	EncodedBytes     int       `json:"encoded_bytes"`
	Body             string    `json:"body,omitempty"` // encrypted, or redacted without a key
	CreatedAt        time.Time `json:"created_at"`
}

// BroadcastDBItem is the last known progress of a broadcast.
type BroadcastDBItem struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	From       string    `json:"from_number"`
	Carrier    string    `json:"carrier"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Segments   int       `json:"segments"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Usage is the outbound volume for one sender number.
type Usage struct {
	From     string `json:"from"`
	Messages int64  `json:"messages"`
	Segments int64  `json:"segments"`
}

// RecordStore persists message records and broadcast snapshots.
type RecordStore interface {
	InsertMsgRecord(ctx context.Context, item *MsgRecordDBItem) error
	SaveBroadcast(ctx context.Context, item *BroadcastDBItem) error
	GetUsage(ctx context.Context, from string, since time.Time) (Usage, error)
}

// sealBody encrypts the body for storage, falling back to a redacted copy
// when no key is configured.
func sealBody(body, key string) (string, error) {
	if key == "" {
		return PartiallyRedactMessage(body), nil
	}
	return EncryptBody(body, key)
}

func broadcastDBItem(p Progress, b *Broadcast, carrier string) *BroadcastDBItem {
	return &BroadcastDBItem{
		ID:         p.ID,
		From:       b.From,
		Carrier:    carrier,
		Status:     string(p.Status),
		Total:      p.Total,
		Sent:       p.Sent,
		Failed:     p.Failed,
		Skipped:    p.Skipped,
		Segments:   p.Segments,
		LastError:  p.LastError,
		CreatedAt:  p.CreatedAt,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
	}
}
