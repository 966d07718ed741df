// Package logging centralises logrus setup the way the teacher's command
// did: a single InitLogger call sets the level and formatter, and components
// obtain scoped entries via WithField rather than depending on process-wide
// state for correctness.
package logging

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// InitLogger sets the global logrus level and formatter from a level string
// (trace|debug|info|warn|error), defaulting to info on an unrecognised
// value. Safe to call multiple times (e.g. once from config load, once from
// a CLI --log-level override).
func InitLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	setLevel(level)
}

func setLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// Entry returns a logrus entry scoped to a component name, matching the
// structured-field style used throughout the engine's packages.
func Entry(component string) *log.Entry {
	return log.WithField("component", component)
}
