package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"

	"clinic-smsgw/coding"
	"clinic-smsgw/msgtemplate"
)

type calculateRequest struct {
	Message string `json:"message"`
	GSMOnly bool   `json:"gsm_only"`
}

type calculateResponse struct {
	coding.EncodingResult
	EncodedBytes int      `json:"encoded_bytes"`
	Message      string   `json:"message"`
	// PreviewParts never splits an escape or surrogate pair, so it can hold
	// one more entry than Segments.
	PreviewParts []string `json:"preview_parts"`
}

type previewRequest struct {
	Template string            `json:"template"`
	Values   map[string]string `json:"values"`
	GSMOnly  bool              `json:"gsm_only"`
}

type previewResponse struct {
	calculateResponse
	Placeholders []string `json:"placeholders"`
	Missing      []string `json:"missing"`
}

type broadcastAccepted struct {
	ID                string          `json:"id"`
	Status            BroadcastStatus `json:"status"`
	Total             int             `json:"total"`
	EstimatedSegments int             `json:"estimated_segments"`
}

type progressResponse struct {
	Progress
	Percent float64 `json:"percent"`
}

func newCalculateResponse(msg string, gsmOnly bool) calculateResponse {
	if gsmOnly {
		msg = coding.Sanitize(msg)
	}
	return calculateResponse{
		EncodingResult: coding.Calculate(msg),
		EncodedBytes:   coding.EncodedLength(msg),
		Message:        msg,
		PreviewParts:   coding.Split(msg),
	}
}

// newWebServer registers every route on a fresh iris application.
func (gateway *Gateway) newWebServer() *iris.Application {
	app := iris.New()
	app.Logger().SetLevel("error")

	auth := gateway.basicAuthMiddleware

	app.Get("/health", webHealthCheck)
	app.Post("/inbound/{carrier}", gateway.webInboundCarrier)

	app.Post("/sms/calculate", auth, gateway.webCalculate)
	app.Post("/sms/preview", auth, gateway.webPreview)

	app.Post("/broadcasts", auth, gateway.webCreateBroadcast)
	app.Get("/broadcasts", auth, gateway.webListBroadcasts)
	app.Get("/broadcasts/{id}", auth, gateway.webGetBroadcast)
	app.Delete("/broadcasts/{id}", auth, gateway.webCancelBroadcast)

	app.Get("/usage", auth, gateway.webUsage)

	return app
}

// serveWeb listens on WEB_LISTEN, optionally behind a PROXY protocol
// load balancer, until ctx is done.
func (gateway *Gateway) serveWeb(ctx context.Context) error {
	app := gateway.newWebServer()

	ln, err := net.Listen("tcp", gateway.Config.WebListen)
	if err != nil {
		return err
	}
	if gateway.Config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	}()

	lm := gateway.LogManager
	lm.SendLog(lm.BuildLog("Web", "listening", logrus.InfoLevel, map[string]interface{}{
		"addr":          ln.Addr().String(),
		"proxyProtocol": gateway.Config.ProxyProtocol,
	}))

	return app.Run(iris.Listener(ln), iris.WithoutInterruptHandler, iris.WithoutServerError(iris.ErrServerClosed))
}

// basicAuthMiddleware accepts any username with API_KEY as the password.
func (gateway *Gateway) basicAuthMiddleware(ctx iris.Context) {
	lm := gateway.LogManager

	expected := gateway.Config.APIKey
	if expected == "" {
		lm.SendLog(lm.BuildLog("Web.Auth", "API_KEY environment variable not set", logrus.ErrorLevel, nil))
		ctx.StatusCode(http.StatusInternalServerError)
		ctx.WriteString("Internal Server Error")
		return
	}

	_, password, ok := ctx.Request().BasicAuth()
	if !ok {
		gateway.unauthorized(ctx, "missing or malformed Authorization header")
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		gateway.unauthorized(ctx, "invalid API key")
		return
	}

	ctx.Next()
}

func (gateway *Gateway) unauthorized(ctx iris.Context, message string) {
	lm := gateway.LogManager
	lm.SendLog(lm.BuildLog("Web.Auth", message, logrus.WarnLevel, map[string]interface{}{
		"client_ip": ctx.RemoteAddr(),
	}))

	ctx.Header("WWW-Authenticate", `Basic realm="Restricted"`)
	ctx.StatusCode(http.StatusUnauthorized)
	ctx.WriteString("Unauthorized")
}

func writeError(ctx iris.Context, status int, err error) {
	ctx.StatusCode(status)
	ctx.JSON(iris.Map{"error": err.Error()})
}

func (gateway *Gateway) webCalculate(ctx iris.Context) {
	var req calculateRequest
	if err := ctx.ReadJSON(&req); err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}
	ctx.JSON(newCalculateResponse(req.Message, req.GSMOnly))
}

func (gateway *Gateway) webPreview(ctx iris.Context) {
	var req previewRequest
	if err := ctx.ReadJSON(&req); err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}

	placeholders := msgtemplate.Placeholders(req.Template)
	missing := []string{}
	for _, key := range placeholders {
		if _, ok := req.Values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if placeholders == nil {
		placeholders = []string{}
	}

	ctx.JSON(previewResponse{
		calculateResponse: newCalculateResponse(msgtemplate.Substitute(req.Template, req.Values), req.GSMOnly),
		Placeholders:      placeholders,
		Missing:           missing,
	})
}

func (gateway *Gateway) webCreateBroadcast(ctx iris.Context) {
	lm := gateway.LogManager

	var b Broadcast
	if err := ctx.ReadJSON(&b); err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}
	b.ID = ""
	b.CreatedAt = time.Time{}
	if err := b.Prepare(); err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}

	estimated := 0
	for _, r := range b.Recipients {
		estimated += coding.Calculate(b.Render(r)).Segments
	}

	gateway.Tracker.Queue(b.ID, len(b.Recipients))
	if err := gateway.Queue.Enqueue(ctx.Request().Context(), &b); err != nil {
		gateway.Tracker.Finish(b.ID, StatusFailed, err)
		lm.SendLog(lm.BuildLog("Web.Broadcast", "failed to enqueue", logrus.ErrorLevel, map[string]interface{}{
			"broadcastID": b.ID,
		}, err))
		writeError(ctx, http.StatusServiceUnavailable, err)
		return
	}

	lm.SendLog(lm.BuildLog("Web.Broadcast", "queued", logrus.InfoLevel, map[string]interface{}{
		"broadcastID": b.ID,
		"recipients":  len(b.Recipients),
		"segments":    estimated,
		"client_ip":   ctx.RemoteAddr(),
	}))

	ctx.StatusCode(http.StatusAccepted)
	ctx.JSON(broadcastAccepted{
		ID:                b.ID,
		Status:            StatusQueued,
		Total:             len(b.Recipients),
		EstimatedSegments: estimated,
	})
}

func (gateway *Gateway) webListBroadcasts(ctx iris.Context) {
	list := gateway.Tracker.List()
	out := make([]progressResponse, 0, len(list))
	for _, p := range list {
		out = append(out, progressResponse{Progress: p, Percent: p.Percent()})
	}
	ctx.JSON(out)
}

func (gateway *Gateway) webGetBroadcast(ctx iris.Context) {
	p, err := gateway.Tracker.Get(ctx.Params().Get("id"))
	if err != nil {
		writeError(ctx, http.StatusNotFound, err)
		return
	}
	ctx.JSON(progressResponse{Progress: p, Percent: p.Percent()})
}

func (gateway *Gateway) webCancelBroadcast(ctx iris.Context) {
	p, err := gateway.Tracker.Cancel(ctx.Params().Get("id"))
	if err != nil {
		writeError(ctx, http.StatusNotFound, err)
		return
	}
	ctx.StatusCode(http.StatusAccepted)
	ctx.JSON(progressResponse{Progress: p, Percent: p.Percent()})
}

func (gateway *Gateway) webUsage(ctx iris.Context) {
	from, err := FormatToE164(ctx.URLParam("from"))
	if err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}

	window := 24 * time.Hour
	if s := ctx.URLParam("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeError(ctx, http.StatusBadRequest, err)
			return
		}
		window = d
	}

	usage, err := gateway.Records.GetUsage(ctx.Request().Context(), from, time.Now().UTC().Add(-window))
	if err != nil {
		writeError(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(usage)
}

func (gateway *Gateway) webInboundCarrier(ctx iris.Context) {
	lm := gateway.LogManager
	name := ctx.Params().Get("carrier")

	carrier, ok := gateway.Carriers[name]
	if !ok {
		lm.SendLog(lm.BuildLog("Carrier.Inbound", "unknown carrier", logrus.WarnLevel, map[string]interface{}{
			"carrier": name,
		}))
		writeError(ctx, http.StatusNotFound, ErrUnknownCarrier)
		return
	}

	if err := carrier.Inbound(ctx, gateway); err != nil {
		lm.SendLog(lm.BuildLog("Carrier.Inbound", "failed to process inbound message", logrus.ErrorLevel, map[string]interface{}{
			"carrier": name,
		}, err))
		if errors.Is(err, context.Canceled) {
			return
		}
		ctx.StatusCode(http.StatusInternalServerError)
		ctx.WriteString("failed to process inbound message")
	}
}

func webHealthCheck(ctx iris.Context) {
	ctx.StatusCode(http.StatusOK)
	ctx.WriteString("OK")
}
