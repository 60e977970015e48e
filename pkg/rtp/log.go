package rtp

import (
	"os"

	"github.com/rs/zerolog"
)

// newComponentLogger builds a sub-logger tagged with component and
// session, following emiago/diago's per-component logger convention
// (one zerolog.Logger per concern, filtered via With().Str(...)).
func newComponentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// defaultLogger is the package-level fallback used when a Session is
// built without an explicit logger (WithLogger), writing
// human-readable console output the way diago's examples do in
// development.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
