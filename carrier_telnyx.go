package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
)

const (
	telnyxMessagesURL = "https://api.telnyx.com/v2/messages"
	// webhooks older than this are rejected as replays
	telnyxSignatureTolerance = 5 * time.Minute
)

// TelnyxHandler implements CarrierHandler for Telnyx
type TelnyxHandler struct {
	BaseCarrierHandler
	apiKey    string
	profileID string
	url       string
	http      *http.Client
	// publicKey verifies webhook signatures when set.
	publicKey ed25519.PublicKey
	now       func() time.Time
}

func NewTelnyxHandler(apiKey, profileID string) *TelnyxHandler {
	return &TelnyxHandler{
		BaseCarrierHandler: BaseCarrierHandler{name: "telnyx"},
		apiKey:             apiKey,
		profileID:          profileID,
		url:                telnyxMessagesURL,
		http:               &http.Client{Timeout: 15 * time.Second},
		now:                time.Now,
	}
}

// parseTelnyxPublicKey decodes the base64 key shown in the Telnyx portal.
func parseTelnyxPublicKey(encoded string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode telnyx public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telnyx public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// verify checks the telnyx-signature-ed25519 header over "timestamp|body".
func (h *TelnyxHandler) verify(header http.Header, body []byte) error {
	if h.publicKey == nil {
		return nil
	}
	ts := header.Get("telnyx-timestamp")
	sig, err := base64.StdEncoding.DecodeString(header.Get("telnyx-signature-ed25519"))
	if err != nil || ts == "" {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if age := h.now().Sub(time.Unix(unix, 0)); age > telnyxSignatureTolerance || age < -telnyxSignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	if !ed25519.Verify(h.publicKey, []byte(ts+"|"+string(body)), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// TelnyxMessage is the body of POST /v2/messages.
type TelnyxMessage struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

// TelnyxResponse holds the parts of the API response we use.
type TelnyxResponse struct {
	Data struct {
		ID    string `json:"id"`
		Parts int    `json:"parts"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// TelnyxWebhookPayload is the subset of the messaging webhook we read.
type TelnyxWebhookPayload struct {
	Data struct {
		EventType string `json:"event_type"`
		ID        string `json:"id"`
		Payload   struct {
			ID   string `json:"id"`
			Text string `json:"text"`
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
				Status      string `json:"status"`
			} `json:"to"`
		} `json:"payload"`
	} `json:"data"`
}

func (h *TelnyxHandler) SendSMS(ctx context.Context, sms *OutboundSMS) (string, error) {
	payload, err := json.Marshal(TelnyxMessage{
		From:               sms.From,
		To:                 sms.To,
		Text:               sms.Body,
		MessagingProfileID: h.profileID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal telnyx message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build telnyx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("telnyx request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read telnyx response: %w", err)
	}

	var telnyxResp TelnyxResponse
	_ = json.Unmarshal(body, &telnyxResp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		if len(telnyxResp.Errors) > 0 {
			e := telnyxResp.Errors[0]
			return "", fmt.Errorf("telnyx returned %d: %s %s", resp.StatusCode, e.Code, e.Detail)
		}
		return "", fmt.Errorf("telnyx returned %d: %s", resp.StatusCode, string(body))
	}
	return telnyxResp.Data.ID, nil
}

// Inbound handles Telnyx messaging webhooks. Only message.received events
// are acted on; delivery events are acknowledged and dropped.
func (h *TelnyxHandler) Inbound(ctx iris.Context, gateway *Gateway) error {
	lm := gateway.LogManager

	body, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return err
	}
	if err := h.verify(ctx.Request().Header, body); err != nil {
		lm.SendLog(lm.BuildLog("Carrier.Inbound.Telnyx", "rejected unsigned webhook", logrus.WarnLevel, map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
		}, err))
		ctx.StatusCode(http.StatusForbidden)
		return nil
	}

	var webhook TelnyxWebhookPayload
	if err := json.Unmarshal(body, &webhook); err != nil {
		lm.SendLog(lm.BuildLog("Carrier.Inbound.Telnyx", "invalid payload", logrus.ErrorLevel, nil, err))
		ctx.StatusCode(http.StatusBadRequest)
		return nil
	}

	if webhook.Data.EventType != "message.received" {
		ctx.StatusCode(http.StatusOK)
		return nil
	}
	if len(webhook.Data.Payload.To) == 0 {
		lm.SendLog(lm.BuildLog("Carrier.Inbound.Telnyx", "no destinations", logrus.ErrorLevel, map[string]interface{}{
			"carrierID": webhook.Data.Payload.ID,
		}))
		ctx.StatusCode(http.StatusBadRequest)
		return nil
	}

	in := &InboundSMS{
		Carrier:          h.Name(),
		CarrierMessageID: webhook.Data.Payload.ID,
		From:             webhook.Data.Payload.From.PhoneNumber,
		To:               webhook.Data.Payload.To[0].PhoneNumber,
		Body:             webhook.Data.Payload.Text,
	}

	reply, err := gateway.handleInboundSMS(ctx.Request().Context(), in)
	if err != nil {
		return err
	}

	if reply != "" {
		// Telnyx has no inline reply, so the confirmation is a new message
		_, err := h.SendSMS(ctx.Request().Context(), &OutboundSMS{From: in.To, To: in.From, Body: reply})
		if err != nil {
			lm.SendLog(lm.BuildLog("Carrier.Inbound.Telnyx", "failed to send opt-out confirmation", logrus.WarnLevel, map[string]interface{}{
				"to": in.From,
			}, err))
		}
	}

	ctx.StatusCode(http.StatusOK)
	return nil
}
