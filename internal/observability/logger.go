package observability

import (
	"github.com/rs/zerolog"
)

// ConnLogger scopes a logger to one accepted peer.
func ConnLogger(base zerolog.Logger, connID, remote, transport string) zerolog.Logger {
	return base.With().
		Str("conn", connID).
		Str("remote", remote).
		Str("transport", transport).
		Logger()
}

// ComponentLogger scopes a logger to a named subsystem.
func ComponentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
