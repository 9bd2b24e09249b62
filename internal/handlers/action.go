package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const emailSendSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string"},
    "cc": {"type": "string"},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "content_type": {"type": "string", "enum": ["text/plain", "text/html"], "default": "text/plain"}
  },
  "required": ["to", "subject"]
}`

const logSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"], "default": "info"},
    "include_data": {"type": "boolean", "default": false}
  }
}`

const delaySchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string"},
    "seconds": {"type": "number"}
  }
}`

// SMTPConfig configures outbound mail. An empty Host puts the email_send
// handler in dry-run mode where messages are logged instead of sent.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSend delivers a templated email. Subject and body support {{path}}
// references into the incoming data.
type EmailSend struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewEmailSend creates an email_send handler.
func NewEmailSend(cfg SMTPConfig, logger *slog.Logger) *EmailSend {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSend{config: cfg, logger: logger}
}

func (h *EmailSend) Type() string                  { return "email_send" }
func (h *EmailSend) ConfigSchema() json.RawMessage { return json.RawMessage(emailSendSchema) }

func (h *EmailSend) Execute(ctx context.Context, req Request) (*Result, error) {
	to := datapath.Substitute(stringParam(req.Config, "to", ""), req.Input)
	if to == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "to is required")
	}
	subject := datapath.Substitute(stringParam(req.Config, "subject", ""), req.Input)
	if subject == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "subject is required")
	}
	body := datapath.Substitute(stringParam(req.Config, "body", ""), req.Input)
	contentType := stringParam(req.Config, "content_type", "text/plain")

	recipients := splitAddresses(to)
	if cc := datapath.Substitute(stringParam(req.Config, "cc", ""), req.Input); cc != "" {
		recipients = append(recipients, splitAddresses(cc)...)
	}

	if h.config.Host == "" {
		h.logger.InfoContext(ctx, "email dry-run, no SMTP host configured",
			"to", to, "subject", subject)
		return &Result{Output: OK(map[string]any{
			"to":        to,
			"subject":   subject,
			"delivered": false,
			"dry_run":   true,
		}, "Email logged (dry-run mode)")}, nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: %s; charset=utf-8\r\n\r\n%s",
		h.config.From, to, subject, contentType, body)

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}
	if err := smtp.SendMail(addr, auth, h.config.From, recipients, []byte(msg)); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "email delivery failed").WithCause(err)
	}

	return &Result{Output: OK(map[string]any{
		"to":        to,
		"subject":   subject,
		"delivered": true,
	}, fmt.Sprintf("Email sent to %s", to))}, nil
}

func splitAddresses(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Log emits a structured log record carrying the run's correlation IDs and
// passes the incoming data through unchanged.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log handler.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (h *Log) Type() string                  { return "log" }
func (h *Log) ConfigSchema() json.RawMessage { return json.RawMessage(logSchema) }

func (h *Log) Execute(ctx context.Context, req Request) (*Result, error) {
	message := datapath.Substitute(stringParam(req.Config, "message", "workflow log"), req.Input)

	attrs := []any{"workflow", req.Run.WorkflowName}
	if boolParam(req.Config, "include_data", false) {
		attrs = append(attrs, "data", req.Input["data"])
	}

	switch stringParam(req.Config, "level", "info") {
	case "debug":
		h.logger.DebugContext(ctx, message, attrs...)
	case "warn":
		h.logger.WarnContext(ctx, message, attrs...)
	case "error":
		h.logger.ErrorContext(ctx, message, attrs...)
	default:
		h.logger.InfoContext(ctx, message, attrs...)
	}

	out := OK(req.Input["data"], "Message logged")
	out["logged_message"] = message
	return &Result{Output: out}, nil
}

// Delay pauses the run for a configured duration. The handler itself returns
// immediately with a suspension request; the engine performs the wait so a
// sleeping run does not occupy a worker slot.
type Delay struct{}

func (Delay) Type() string                  { return "delay" }
func (Delay) ConfigSchema() json.RawMessage { return json.RawMessage(delaySchema) }

func (Delay) Execute(_ context.Context, req Request) (*Result, error) {
	var wait time.Duration
	if ds := stringParam(req.Config, "duration", ""); ds != "" {
		d, err := time.ParseDuration(ds)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", ds)
		}
		wait = d
	} else if secs := datapath.Number(req.Config["seconds"]); secs > 0 {
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait < 0 {
		wait = 0
	}

	out := OK(req.Input["data"], fmt.Sprintf("Delaying for %s", wait))
	out["delay"] = wait.String()
	return &Result{Output: out, Suspend: wait}, nil
}
