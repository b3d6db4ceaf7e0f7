// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor will accept a Logger. All logging should take
// place through the provided logger.
type Logger = slog.Logger

// Level is a logging level.
type Level = slog.Level

// Log levels re-exported so callers need not import slog.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff
)

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the level set
// for the subsystem in Levels is used, falling back to DefaultLevel.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// NewLoggerMaker parses a debug level string into a LoggerMaker. The string
// is either a single level applied to all subsystems (e.g. "debug"), or a
// comma-separated list of subsystem=level pairs, optionally including a bare
// default level (e.g. "info,MM=trace,DISP=debug").
func NewLoggerMaker(backend *slog.Backend, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      backend,
		DefaultLevel: slog.LevelInfo,
		Levels:       make(map[string]slog.Level),
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			lvl, ok := slog.LevelFromString(pair)
			if !ok {
				return nil, fmt.Errorf("the specified debug level [%v] is invalid", pair)
			}
			lm.DefaultLevel = lvl
			continue
		}
		fields := strings.Split(pair, "=")
		if len(fields) != 2 || fields[0] == "" {
			return nil, fmt.Errorf("the specified debug level has an invalid format [%v] "+
				"-- use format subsystem1=level1,subsystem2=level2", pair)
		}
		subsysID, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level [%v] is invalid", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}

	return lm, nil
}

// StdOutLogger creates a Logger with the provided name with lvl as the log
// level and prints to standard out.
func StdOutLogger(name string, lvl slog.Level) Logger {
	backend := slog.NewBackend(os.Stdout)
	logger := backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
