package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clinic-smsgw/coding"
	"clinic-smsgw/msgtemplate"
)

var (
	ErrNoRecipients = errors.New("broadcast has no recipients")
	ErrNoTemplate   = errors.New("broadcast has no template")
	ErrNoSender     = errors.New("broadcast has no sender number")
	ErrEmptyMessage = errors.New("rendered message is empty")
	ErrNoCarrier    = errors.New("no carrier configured")
	ErrOptedOut     = errors.New("recipient has opted out")
)

// Recipient is one patient on a broadcast list.
type Recipient struct {
	Name      string            `json:"name,omitempty"`
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Broadcast sends one template to many recipients.
type Broadcast struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	Carrier    string            `json:"carrier,omitempty"`
	Template   string            `json:"template"`
	Defaults   map[string]string `json:"defaults,omitempty"`
	Recipients []Recipient       `json:"recipients"`
	GSMOnly    bool              `json:"gsm_only"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Prepare validates b, normalises the sender and assigns an id.
func (b *Broadcast) Prepare() error {
	if b.Template == "" {
		return ErrNoTemplate
	}
	if len(b.Recipients) == 0 {
		return ErrNoRecipients
	}
	if b.From == "" {
		return ErrNoSender
	}
	from, err := FormatToE164(b.From)
	if err != nil {
		return err
	}
	b.From = from
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Render produces the body for one recipient. Recipient variables override
// the broadcast defaults; the recipient name is available as {{name}}.
func (b *Broadcast) Render(r Recipient) string {
	values := make(map[string]string, len(b.Defaults)+len(r.Variables)+1)
	for k, v := range b.Defaults {
		values[k] = v
	}
	if r.Name != "" {
		values["name"] = r.Name
	}
	for k, v := range r.Variables {
		values[k] = v
	}

	body := msgtemplate.Substitute(b.Template, values)
	if b.GSMOnly {
		body = coding.Sanitize(body)
	}
	return body
}

// Broadcaster runs broadcasts one recipient at a time, best effort.
type Broadcaster struct {
	Carriers       map[string]CarrierHandler
	DefaultCarrier string
	Records        RecordStore
	OptOuts        OptOutStore
	Tracker        *Tracker
	LogManager     *LogManager
	Attempts       int
	RetryDelay     time.Duration
	EncryptionKey  string
	ServerID       string
}

func (br *Broadcaster) carrierFor(b *Broadcast) (CarrierHandler, error) {
	name := b.Carrier
	if name == "" {
		name = br.DefaultCarrier
	}
	if name != "" {
		c, ok := br.Carriers[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, name)
		}
		return c, nil
	}
	if len(br.Carriers) == 1 {
		for _, c := range br.Carriers {
			return c, nil
		}
	}
	return nil, ErrNoCarrier
}

// Run delivers b to every recipient. Individual failures are recorded and
// the loop moves on; only cancellation of ctx stops it early.
func (br *Broadcaster) Run(ctx context.Context, b *Broadcast) (Progress, error) {
	lm := br.LogManager

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !br.Tracker.Start(b.ID, len(b.Recipients), cancel) {
		p, _ := br.Tracker.Get(b.ID)
		return p, nil
	}

	carrier, err := br.carrierFor(b)
	if err != nil {
		lm.SendLog(lm.BuildLog("Broadcast", "no carrier available", logrus.ErrorLevel, map[string]interface{}{
			"broadcastID": b.ID,
			"carrier":     b.Carrier,
		}, err))
		p := br.Tracker.Finish(b.ID, StatusFailed, err)
		br.saveBroadcast(p, b, "")
		return p, err
	}

	lm.SendLog(lm.BuildLog("Broadcast", "started", logrus.InfoLevel, map[string]interface{}{
		"broadcastID": b.ID,
		"carrier":     carrier.Name(),
		"recipients":  len(b.Recipients),
	}))

	status := StatusCompleted
	for _, r := range b.Recipients {
		if ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		br.Tracker.Record(b.ID, br.deliver(ctx, carrier, b, r))
	}
	p := br.Tracker.Finish(b.ID, status, nil)
	br.saveBroadcast(p, b, carrier.Name())

	lm.SendLog(lm.BuildLog("Broadcast", "finished", logrus.InfoLevel, map[string]interface{}{
		"broadcastID": b.ID,
		"status":      p.Status,
		"sent":        p.Sent,
		"failed":      p.Failed,
		"skipped":     p.Skipped,
		"segments":    p.Segments,
	}))
	return p, nil
}

func (br *Broadcaster) deliver(ctx context.Context, carrier CarrierHandler, b *Broadcast, r Recipient) Outcome {
	lm := br.LogManager
	logID := uuid.NewString()

	record := &MsgRecordDBItem{
		BroadcastID: b.ID,
		LogID:       logID,
		ServerID:    br.ServerID,
		From:        b.From,
		To:          r.Phone,
		Carrier:     carrier.Name(),
		CreatedAt:   time.Now().UTC(),
	}

	finish := func(o Outcome) Outcome {
		record.Status = o.Status
		if o.Err != nil {
			record.Error = o.Err.Error()
		}
		if err := br.Records.InsertMsgRecord(context.WithoutCancel(ctx), record); err != nil {
			lm.SendLog(lm.BuildLog("MsgRecords", "InsertError", logrus.ErrorLevel, map[string]interface{}{
				"logID":       logID,
				"broadcastID": b.ID,
			}, err))
		}
		return o
	}

	to, err := FormatToE164(r.Phone)
	if err != nil {
		return finish(Outcome{Status: MsgStatusFailed, Err: err})
	}
	record.To = to

	optedOut, err := br.OptOuts.IsOptedOut(ctx, b.From, to)
	if err != nil {
		return finish(Outcome{Status: MsgStatusFailed, Err: fmt.Errorf("opt-out lookup: %w", err)})
	}
	if optedOut {
		return finish(Outcome{Status: MsgStatusSkipped, Err: ErrOptedOut})
	}

	body := b.Render(r)
	if body == "" {
		return finish(Outcome{Status: MsgStatusFailed, Err: ErrEmptyMessage})
	}

	res := coding.Calculate(body)
	record.Encoding = string(res.Encoding)
	record.TotalSegments = res.Segments
	record.EncodedBytes = coding.EncodedLength(body)
	if sealed, err := sealBody(body, br.EncryptionKey); err == nil {
		record.Body = sealed
	}

	sms := &OutboundSMS{From: b.From, To: to, Body: body, LogID: logID}
	carrierID, attempts, err := br.send(ctx, carrier, sms)
	record.Attempts = attempts
	record.CarrierMessageID = carrierID
	if err != nil {
		lm.SendLog(lm.BuildLog("Broadcast", "send failed", logrus.WarnLevel, map[string]interface{}{
			"logID":       logID,
			"broadcastID": b.ID,
			"to":          to,
			"attempts":    attempts,
		}, err))
		return finish(Outcome{Status: MsgStatusFailed, Encoding: res.Encoding, Err: err})
	}

	lm.SendLog(lm.BuildLog("Broadcast", "sent", logrus.DebugLevel, map[string]interface{}{
		"logID":     logID,
		"carrierID": carrierID,
		"to":        to,
		"encoding":  res.Encoding,
		"segments":  res.Segments,
	}))
	return finish(Outcome{Status: MsgStatusSent, Encoding: res.Encoding, Segments: res.Segments})
}

// send tries the carrier up to Attempts times.
func (br *Broadcaster) send(ctx context.Context, carrier CarrierHandler, sms *OutboundSMS) (string, int, error) {
	attempts := br.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := carrier.SendSMS(ctx, sms)
		if err == nil {
			return id, attempt, nil
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-time.After(br.RetryDelay):
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			}
		}
	}
	return "", attempts, lastErr
}

func (br *Broadcaster) saveBroadcast(p Progress, b *Broadcast, carrier string) {
	// the request context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := br.Records.SaveBroadcast(ctx, broadcastDBItem(p, b, carrier)); err != nil {
		lm := br.LogManager
		lm.SendLog(lm.BuildLog("Broadcast", "failed to save progress", logrus.ErrorLevel, map[string]interface{}{
			"broadcastID": b.ID,
		}, err))
	}
}
