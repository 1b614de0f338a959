package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-smsgw/coding"
)

func TestBroadcastRun(t *testing.T) {
	carrier := newFakeCarrier("fake")
	carrier.failures["+15550100004"] = -1
	gateway, store := newTestGateway(carrier)
	gateway.Broadcaster.EncryptionKey = "records-key"

	ctx := context.Background()
	require.NoError(t, gateway.OptOuts.SetOptOut(ctx, testSender, "+15550100002", true))

	b := &Broadcast{
		From:     "+1 (555) 000-0000",
		Template: "Hi {{name}}, your appointment is {{when}}",
		Defaults: map[string]string{"when": "tomorrow"},
		Recipients: []Recipient{
			{Name: "Ada", Phone: "+1 555 010 0001"},
			{Name: "Opted", Phone: "+15550100002"},
			{Name: "Bad", Phone: "not a number"},
			{Name: "Rejected", Phone: "+15550100004"},
		},
	}
	require.NoError(t, b.Prepare())
	assert.Equal(t, testSender, b.From)

	p, err := gateway.Broadcaster.Run(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 1, p.Skipped)
	assert.Equal(t, 2, p.Failed)
	assert.Equal(t, 1, p.Segments)
	assert.Equal(t, 100.0, p.Percent())

	sent := carrier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550100001", sent[0].To)
	assert.Equal(t, testSender, sent[0].From)
	assert.Equal(t, "Hi Ada, your appointment is tomorrow", sent[0].Body)

	records := store.Records()
	require.Len(t, records, 4)
	assert.Equal(t, MsgStatusSent, records[0].Status)
	assert.Equal(t, "msg-1", records[0].CarrierMessageID)
	assert.Equal(t, string(coding.GSM7), records[0].Encoding)
	assert.Equal(t, 1, records[0].TotalSegments)
	assert.Equal(t, 1, records[0].Attempts)

	body, err := DecryptBody(records[0].Body, "records-key")
	require.NoError(t, err)
	assert.Equal(t, sent[0].Body, body)

	assert.Equal(t, MsgStatusSkipped, records[1].Status)
	assert.Equal(t, ErrOptedOut.Error(), records[1].Error)
	assert.Equal(t, MsgStatusFailed, records[2].Status)
	assert.Equal(t, "not a number", records[2].To)
	assert.Equal(t, MsgStatusFailed, records[3].Status)
	assert.NotEmpty(t, records[3].Error)

	require.Len(t, store.broadcasts, 1)
	assert.Equal(t, b.ID, store.broadcasts[0].ID)
	assert.Equal(t, string(StatusCompleted), store.broadcasts[0].Status)
	assert.Equal(t, 1, store.broadcasts[0].Sent)

	tracked, err := gateway.Tracker.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, p, tracked)
}

func TestBroadcastRedactsWithoutKey(t *testing.T) {
	gateway, store := newTestGateway(newFakeCarrier("fake"))

	b := &Broadcast{
		From:       testSender,
		Template:   "Your results are ready to view",
		Recipients: []Recipient{{Phone: "+15550100001"}},
	}
	require.NoError(t, b.Prepare())
	_, err := gateway.Broadcaster.Run(context.Background(), b)
	require.NoError(t, err)

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Your *****", records[0].Body)
}

func TestBroadcastUCS2Segments(t *testing.T) {
	gateway, store := newTestGateway(newFakeCarrier("fake"))

	b := &Broadcast{
		From:       testSender,
		Template:   "{{greeting}} {{name}}",
		Defaults:   map[string]string{"greeting": "Здравствуйте"},
		Recipients: []Recipient{{Name: "Анна", Phone: "+15550100001"}},
	}
	require.NoError(t, b.Prepare())
	p, err := gateway.Broadcaster.Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Sent)

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, string(coding.UCS2), records[0].Encoding)
	assert.Equal(t, 34, records[0].EncodedBytes)

	totals := gateway.Tracker.Totals()
	assert.Equal(t, 1, totals.Segments[coding.UCS2])
	assert.Equal(t, 1, totals.Messages[MsgStatusSent])
}

func TestBroadcastRetries(t *testing.T) {
	t.Run("succeeds within attempts", func(t *testing.T) {
		carrier := newFakeCarrier("fake")
		carrier.failures["+15550100001"] = 2
		gateway, store := newTestGateway(carrier)
		gateway.Broadcaster.Attempts = 3

		b := &Broadcast{From: testSender, Template: "hello", Recipients: []Recipient{{Phone: "+15550100001"}}}
		require.NoError(t, b.Prepare())
		p, err := gateway.Broadcaster.Run(context.Background(), b)
		require.NoError(t, err)

		assert.Equal(t, 1, p.Sent)
		records := store.Records()
		require.Len(t, records, 1)
		assert.Equal(t, 3, records[0].Attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		carrier := newFakeCarrier("fake")
		carrier.failures["+15550100001"] = 5
		gateway, store := newTestGateway(carrier)
		gateway.Broadcaster.Attempts = 2

		b := &Broadcast{From: testSender, Template: "hello", Recipients: []Recipient{{Phone: "+15550100001"}}}
		require.NoError(t, b.Prepare())
		p, err := gateway.Broadcaster.Run(context.Background(), b)
		require.NoError(t, err)

		assert.Equal(t, 1, p.Failed)
		assert.Equal(t, "carrier rejected message", p.LastError)
		records := store.Records()
		require.Len(t, records, 1)
		assert.Equal(t, 2, records[0].Attempts)
	})
}

func TestBroadcastCancel(t *testing.T) {
	carrier := newFakeCarrier("fake")
	gateway, _ := newTestGateway(carrier)

	b := &Broadcast{
		From:     testSender,
		Template: "hello",
		Recipients: []Recipient{
			{Phone: "+15550100001"},
			{Phone: "+15550100002"},
			{Phone: "+15550100003"},
		},
	}
	require.NoError(t, b.Prepare())

	carrier.onSend = func(*OutboundSMS) {
		_, err := gateway.Tracker.Cancel(b.ID)
		assert.NoError(t, err)
	}

	p, err := gateway.Broadcaster.Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 1, p.Processed())
	assert.Len(t, carrier.Sent(), 1)
}

func TestBroadcastCompletesWhenCancelledAfterLastRecipient(t *testing.T) {
	carrier := newFakeCarrier("fake")
	gateway, _ := newTestGateway(carrier)

	b := &Broadcast{
		From:       testSender,
		Template:   "hello",
		Recipients: []Recipient{{Phone: "+15550100001"}, {Phone: "+15550100002"}},
	}
	require.NoError(t, b.Prepare())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	carrier.onSend = func(sms *OutboundSMS) {
		if sms.To == "+15550100002" {
			cancel()
		}
	}

	p, err := gateway.Broadcaster.Run(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 2, p.Sent)
}

func TestBroadcastCancelledWhileQueued(t *testing.T) {
	carrier := newFakeCarrier("fake")
	gateway, _ := newTestGateway(carrier)

	b := &Broadcast{From: testSender, Template: "hello", Recipients: []Recipient{{Phone: "+15550100001"}}}
	require.NoError(t, b.Prepare())

	gateway.Tracker.Queue(b.ID, 1)
	_, err := gateway.Tracker.Cancel(b.ID)
	require.NoError(t, err)

	p, err := gateway.Broadcaster.Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Empty(t, carrier.Sent())
}

func TestBroadcastNoCarrier(t *testing.T) {
	gateway, store := newTestGateway()

	b := &Broadcast{From: testSender, Template: "hello", Recipients: []Recipient{{Phone: "+15550100001"}}}
	require.NoError(t, b.Prepare())

	lm, hook := newHookedLogManager()
	gateway.Broadcaster.LogManager = lm

	p, err := gateway.Broadcaster.Run(context.Background(), b)
	assert.ErrorIs(t, err, ErrNoCarrier)
	assert.True(t, hasLog(hook, logrus.ErrorLevel, "no carrier available"))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, ErrNoCarrier.Error(), p.LastError)
	assert.Len(t, store.broadcasts, 1)
}

func TestCarrierFor(t *testing.T) {
	a, b := newFakeCarrier("a"), newFakeCarrier("b")
	br := &Broadcaster{Carriers: map[string]CarrierHandler{"a": a, "b": b}}

	_, err := br.carrierFor(&Broadcast{})
	assert.ErrorIs(t, err, ErrNoCarrier)

	c, err := br.carrierFor(&Broadcast{Carrier: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", c.Name())

	br.DefaultCarrier = "a"
	c, err = br.carrierFor(&Broadcast{})
	require.NoError(t, err)
	assert.Equal(t, "a", c.Name())

	_, err = br.carrierFor(&Broadcast{Carrier: "missing"})
	assert.ErrorIs(t, err, ErrUnknownCarrier)

	single := &Broadcaster{Carriers: map[string]CarrierHandler{"a": a}}
	c, err = single.carrierFor(&Broadcast{})
	require.NoError(t, err)
	assert.Equal(t, "a", c.Name())
}

func TestBroadcastRender(t *testing.T) {
	b := &Broadcast{
		Template: "{{name}} @ {{clinic}} {{other}}",
		Defaults: map[string]string{"name": "Patient", "clinic": "Northside"},
	}

	assert.Equal(t, "Ada @ Eastside {{other}}", b.Render(Recipient{Name: "Ada", Variables: map[string]string{"clinic": "Eastside"}}))
	assert.Equal(t, "Patient @ Northside {{other}}", b.Render(Recipient{}))
	assert.Equal(t, "Nickname @ Northside {{other}}", b.Render(Recipient{Name: "Ada", Variables: map[string]string{"name": "Nickname"}}))

	b.Template = "“{{name}}” – see you"
	b.GSMOnly = true
	rendered := b.Render(Recipient{Name: "José"})
	assert.Equal(t, `"José" - see you`, rendered)
	assert.Equal(t, coding.GSM7, coding.DetectEncoding(rendered))
}

func TestBroadcastPrepare(t *testing.T) {
	valid := func() Broadcast {
		return Broadcast{From: "15550000000", Template: "hi", Recipients: []Recipient{{Phone: "+15550100001"}}}
	}

	b := valid()
	require.NoError(t, b.Prepare())
	assert.Equal(t, testSender, b.From)
	assert.NotEmpty(t, b.ID)
	assert.False(t, b.CreatedAt.IsZero())

	id := b.ID
	require.NoError(t, b.Prepare())
	assert.Equal(t, id, b.ID)

	tests := []struct {
		name   string
		mutate func(*Broadcast)
		err    error
	}{
		{"no template", func(b *Broadcast) { b.Template = "" }, ErrNoTemplate},
		{"no recipients", func(b *Broadcast) { b.Recipients = nil }, ErrNoRecipients},
		{"no sender", func(b *Broadcast) { b.From = "" }, ErrNoSender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid()
			tt.mutate(&b)
			assert.ErrorIs(t, b.Prepare(), tt.err)
		})
	}

	bad := valid()
	bad.From = "front desk"
	assert.Error(t, bad.Prepare())
}
