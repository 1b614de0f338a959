package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// LokiClient pushes log lines to Loki's push API.
type LokiClient struct {
	PushURL  string
	Username string
	Password string
	http     *http.Client
}

type lokiPushData struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func NewLokiClient(pushURL, username, password string) *LokiClient {
	return &LokiClient{
		PushURL:  pushURL,
		Username: username,
		Password: password,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// PushLog sends a single line to Loki.
func (c *LokiClient) PushLog(labels map[string]string, ts time.Time, line string) error {
	payload := lokiPushData{
		Streams: []lokiStream{{
			Stream: labels,
			Values: [][2]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling json: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to Loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received unexpected response status: %d", resp.StatusCode)
	}
	return nil
}

// LogManager writes structured logs through logrus and mirrors them to Loki
// when configured.
type LogManager struct {
	logger   *logrus.Logger
	loki     *LokiClient
	serverID string
}

// LogEntry is built by BuildLog and emitted by SendLog.
type LogEntry struct {
	Module  string
	Action  string
	Level   logrus.Level
	Fields  map[string]interface{}
	Error   error
	Created time.Time
}

func NewLogManager(cfg Config) *LogManager {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	lm := &LogManager{logger: logger, serverID: cfg.ServerID}
	if cfg.LokiURL != "" {
		lm.loki = NewLokiClient(cfg.LokiURL, cfg.LokiUsername, cfg.LokiPassword)
	}
	return lm
}

// BuildLog assembles an entry. Only the first error is kept.
func (lm *LogManager) BuildLog(module, action string, level logrus.Level, fields map[string]interface{}, errs ...error) LogEntry {
	entry := LogEntry{
		Module:  module,
		Action:  action,
		Level:   level,
		Fields:  fields,
		Created: time.Now(),
	}
	for _, err := range errs {
		if err != nil {
			entry.Error = err
			break
		}
	}
	return entry
}

func (lm *LogManager) SendLog(entry LogEntry) {
	fields := logrus.Fields{
		"module":    entry.Module,
		"server_id": lm.serverID,
	}
	for k, v := range entry.Fields {
		fields[k] = v
	}
	le := lm.logger.WithFields(fields).WithTime(entry.Created)
	if entry.Error != nil {
		le = le.WithError(entry.Error)
	}
	le.Log(entry.Level, entry.Action)

	if lm.loki == nil || !lm.logger.IsLevelEnabled(entry.Level) {
		return
	}
	line, err := le.String()
	if err != nil {
		return
	}
	labels := map[string]string{
		"job":    "clinic-smsgw",
		"module": entry.Module,
		"level":  entry.Level.String(),
	}
	go func() {
		if err := lm.loki.PushLog(labels, entry.Created, line); err != nil {
			lm.logger.WithError(err).Warn("failed to push log to loki")
		}
	}()
}

// Logger exposes the underlying logrus logger for libraries that want one.
func (lm *LogManager) Logger() *logrus.Logger {
	return lm.logger
}
