package testlog

import (
	"testing"

	"github.com/danmuck/showlink/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures the test logging profile once and tags the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
