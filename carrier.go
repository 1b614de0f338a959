package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
)

var ErrUnknownCarrier = errors.New("unknown carrier")

// CarrierHandler is implemented by every upstream SMS provider.
type CarrierHandler interface {
	Name() string
	// SendSMS hands one message to the carrier and returns its message id.
	SendSMS(ctx context.Context, sms *OutboundSMS) (string, error)
	// Inbound handles the carrier's webhook for received messages.
	Inbound(ctx iris.Context, gateway *Gateway) error
}

// BaseCarrierHandler provides common functionality for carriers
type BaseCarrierHandler struct {
	name string
}

func (h *BaseCarrierHandler) Name() string {
	return h.name
}

// OutboundSMS is a rendered message ready for a carrier.
type OutboundSMS struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Body  string `json:"body"`
	LogID string `json:"log_id"`
}

// InboundSMS is a message a patient sent to one of our numbers.
type InboundSMS struct {
	Carrier          string
	CarrierMessageID string
	From             string
	To               string
	Body             string
}

func loadCarriers(cfg Config) (map[string]CarrierHandler, error) {
	carriers := make(map[string]CarrierHandler)

	if cfg.TwilioEnabled {
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return nil, fmt.Errorf("twilio enabled without TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN")
		}
		h := NewTwilioHandler(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
		h.publicURL = cfg.PublicURL
		carriers[h.Name()] = h
	}

	if cfg.TelnyxEnabled {
		if cfg.TelnyxAPIKey == "" {
			return nil, fmt.Errorf("telnyx enabled without TELNYX_API_KEY")
		}
		h := NewTelnyxHandler(cfg.TelnyxAPIKey, cfg.TelnyxProfileID)
		if cfg.TelnyxPublicKey != "" {
			key, err := parseTelnyxPublicKey(cfg.TelnyxPublicKey)
			if err != nil {
				return nil, err
			}
			h.publicKey = key
		}
		carriers[h.Name()] = h
	}

	if cfg.DefaultCarrier != "" {
		if _, ok := carriers[cfg.DefaultCarrier]; !ok {
			return nil, fmt.Errorf("%w: default carrier %q is not enabled", ErrUnknownCarrier, cfg.DefaultCarrier)
		}
	}
	return carriers, nil
}

// handleInboundSMS applies opt-out keywords and returns the confirmation text
// to send back, if any.
func (gateway *Gateway) handleInboundSMS(ctx context.Context, in *InboundSMS) (string, error) {
	lm := gateway.LogManager

	from, err := FormatToE164(in.From)
	if err != nil {
		return "", err
	}
	to, err := FormatToE164(in.To)
	if err != nil {
		return "", err
	}

	optedOut, isKeyword := optOutKeyword(in.Body)
	if !isKeyword {
		lm.SendLog(lm.BuildLog("Carrier.Inbound", "received", logrus.InfoLevel, map[string]interface{}{
			"carrier":   in.Carrier,
			"carrierID": in.CarrierMessageID,
			"from":      from,
			"to":        to,
			"body":      PartiallyRedactMessage(in.Body),
		}))
		return "", nil
	}

	if err := gateway.OptOuts.SetOptOut(ctx, to, from, optedOut); err != nil {
		return "", err
	}

	lm.SendLog(lm.BuildLog("Carrier.Inbound", "opt-out updated", logrus.InfoLevel, map[string]interface{}{
		"carrier":  in.Carrier,
		"sender":   to,
		"receiver": from,
		"optedOut": optedOut,
	}))

	if optedOut {
		return "You have been unsubscribed and will no longer receive messages from this number. Reply START to resubscribe.", nil
	}
	return "You have been resubscribed to messages from this number.", nil
}
