package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger scoped to one hub component. Call it
// after logging is configured; the returned logger does not track later
// changes to the global writer.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
