package handlers

import (
	"context"
	"encoding/json"
)

// Trigger handlers produce the initial data context from the external event
// that started the run. They are always the graph's entry points; the
// triggering layer has already stored the event payload as the run's input
// data, which the engine hands to the trigger node as its input.

const manualTriggerSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"}
  }
}`

const webhookTriggerSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "enum": ["GET", "POST", "PUT"], "default": "POST"},
    "path": {"type": "string", "minLength": 1}
  },
  "required": ["path"]
}`

const scheduleTriggerSchema = `{
  "type": "object",
  "properties": {
    "cron": {"type": "string", "minLength": 1},
    "timezone": {"type": "string", "default": "UTC"}
  },
  "required": ["cron"]
}`

// ManualTrigger starts a run from a direct user invocation.
type ManualTrigger struct{}

func (ManualTrigger) Type() string                   { return "manual_trigger" }
func (ManualTrigger) ConfigSchema() json.RawMessage  { return json.RawMessage(manualTriggerSchema) }

func (ManualTrigger) Execute(_ context.Context, req Request) (*Result, error) {
	return &Result{Output: triggerOutput(req, "manual trigger fired")}, nil
}

// WebhookTrigger starts a run from an inbound webhook delivery.
type WebhookTrigger struct{}

func (WebhookTrigger) Type() string                  { return "webhook_trigger" }
func (WebhookTrigger) ConfigSchema() json.RawMessage { return json.RawMessage(webhookTriggerSchema) }

func (WebhookTrigger) Execute(_ context.Context, req Request) (*Result, error) {
	out := triggerOutput(req, "webhook trigger fired")
	out["endpoint"] = req.Run.Trigger.Endpoint
	return &Result{Output: out}, nil
}

// ScheduleTrigger starts a run from a cron schedule firing. The cron
// expression in config is owned by the scheduler; at execution time the
// handler only shapes the initial context.
type ScheduleTrigger struct{}

func (ScheduleTrigger) Type() string                  { return "schedule_trigger" }
func (ScheduleTrigger) ConfigSchema() json.RawMessage { return json.RawMessage(scheduleTriggerSchema) }

func (ScheduleTrigger) Execute(_ context.Context, req Request) (*Result, error) {
	out := triggerOutput(req, "schedule trigger fired")
	out["schedule_id"] = req.Run.Trigger.ScheduleID
	return &Result{Output: out}, nil
}

func triggerOutput(req Request, message string) map[string]any {
	data := req.Input["data"]
	if data == nil {
		data = map[string]any{}
	}
	out := OK(data, message)
	out["trigger"] = map[string]any{
		"type":    req.Run.Trigger.Type,
		"user_id": req.Run.Trigger.UserID,
	}
	return out
}
