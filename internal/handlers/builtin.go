package handlers

import (
	"database/sql"
	"log/slog"
)

// BuiltinConfig carries the external dependencies of the built-in handlers.
type BuiltinConfig struct {
	DB     *sql.DB
	Logger *slog.Logger
	HTTP   HTTPConfig
	SMTP   SMTPConfig
}

// RegisterBuiltins registers every built-in node handler in the registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := []Handler{
		// Triggers.
		ManualTrigger{},
		WebhookTrigger{},
		ScheduleTrigger{},

		// Data sources.
		NewDatabaseQuery(cfg.DB),
		NewHTTPRequest(cfg.HTTP),
		NewQueryBuilder(cfg.DB),
		NewRequestData(cfg.DB),
		NewPaymentCheck(cfg.DB),

		// Transforms and routing.
		DataTransform{},
		JSONParser{},
		Condition{},
		Switch{},

		// Actions.
		NewEmailSend(cfg.SMTP, cfg.Logger),
		NewLog(cfg.Logger),
		Delay{},

		// Outputs.
		NewDatabaseSave(cfg.DB),
		FileExport{},
		Response{},
		ExecutionLogWrite{},
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
