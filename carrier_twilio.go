package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// TwilioHandler implements CarrierHandler for Twilio
type TwilioHandler struct {
	BaseCarrierHandler
	rest      *twilio.RestClient
	validator client.RequestValidator
	// publicURL overrides the scheme and host seen by the server when
	// rebuilding the URL Twilio signed.
	publicURL string
}

func NewTwilioHandler(accountSID, authToken string) *TwilioHandler {
	return &TwilioHandler{
		BaseCarrierHandler: BaseCarrierHandler{name: "twilio"},
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		validator: client.NewRequestValidator(authToken),
	}
}

func (h *TwilioHandler) SendSMS(_ context.Context, sms *OutboundSMS) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(sms.To)
	params.SetFrom(sms.From)
	params.SetBody(sms.Body)

	msg, err := h.rest.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("error sending SMS via Twilio: %w", err)
	}
	if msg == nil || msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}

// webhookURL is the URL Twilio posted to, which its signature covers.
func (h *TwilioHandler) webhookURL(r *http.Request) string {
	if h.publicURL != "" {
		return strings.TrimRight(h.publicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Inbound handles Twilio's form-encoded messaging webhook and answers with
// TwiML. Requests without a valid X-Twilio-Signature are rejected.
func (h *TwilioHandler) Inbound(ctx iris.Context, gateway *Gateway) error {
	lm := gateway.LogManager
	r := ctx.Request()

	if err := r.ParseForm(); err != nil {
		ctx.StatusCode(http.StatusBadRequest)
		return nil
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		params[k] = v[0]
	}

	if !h.validator.Validate(h.webhookURL(r), params, r.Header.Get("X-Twilio-Signature")) {
		lm.SendLog(lm.BuildLog("Carrier.Inbound.Twilio", "rejected unsigned webhook", logrus.WarnLevel, map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
			"url":       h.webhookURL(r),
		}, ErrInvalidSignature))
		ctx.StatusCode(http.StatusForbidden)
		return nil
	}

	in := &InboundSMS{
		Carrier:          h.Name(),
		CarrierMessageID: params["MessageSid"],
		From:             params["From"],
		To:               params["To"],
		Body:             params["Body"],
	}

	reply, err := gateway.handleInboundSMS(r.Context(), in)
	if err != nil {
		return err
	}

	twiml := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<Response>"
	if reply != "" {
		twiml += "<Message>" + html.EscapeString(reply) + "</Message>"
	}
	twiml += "</Response>"

	ctx.ContentType("application/xml")
	ctx.StatusCode(http.StatusOK)
	_, err = ctx.WriteString(twiml)
	return err
}
