package app

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// SetupLogging points logrus at w, usually stderr so that reports can go to
// stdout.
func SetupLogging(w io.Writer, level, format string) error {

	log.SetOutput(w)

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q, only [text json]", format)
	}

	if level == "" {
		return nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("can't setup log level: %w", err)
	}
	log.SetLevel(l)
	return nil
}
