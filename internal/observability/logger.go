package observability

import (
	"github.com/danmuck/showlink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime logging profile and returns a logger
// tagged with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return log.Logger.With().Str("app", app).Logger()
}

// Component derives a child logger for one subsystem.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
