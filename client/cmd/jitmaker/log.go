// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"jitdex.org/jitmaker/dex"
)

const (
	logFilename = "jitmaker.log"
	// logRollSize is the size in KiB at which the log file is rolled.
	logRollSize = 32 * 1024
)

// Subsystem loggers.
const (
	logMain     = "MAIN"
	logEngine   = "MM"
	logBook     = "BOOK"
	logClock    = "CLCK"
	logAccount  = "ACCT"
	logDispatch = "DISP"
	logComms    = "COMM"
)

// logWriter writes to stdout and a rotating log file.
type logWriter struct {
	*rotator.Rotator
}

func (w logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return w.Rotator.Write(p)
}

// initLogging creates the log directory and a LoggerMaker writing to stdout
// and a rotated log file in it. The returned function closes the rotator.
func initLogging(logDir, debugLevel string, maxLogZips int) (*dex.LoggerMaker, func(), error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(filepath.Join(logDir, logFilename), logRollSize, false, maxLogZips)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := dex.NewLoggerMaker(slog.NewBackend(logWriter{r}), debugLevel)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return lm, func() { r.Close() }, nil
}
