package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errBadHello = errors.New("first frame was not a well-formed hello")

// setupLogging wires the global zerolog logger; --verbose lowers the level
// to debug, which includes per-frame relay events.
func setupLogging(cfg *Config) {
	level := zerolog.InfoLevel
	if cfg.verbose {
		level = zerolog.DebugLevel
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: logDate}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
