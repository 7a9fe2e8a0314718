package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/ellemouton/onion"
	"github.com/ellemouton/onion/pending"
	"github.com/ellemouton/onion/replay"
)

// logWriter writes to stderr, so that command output on stdout stays
// machine readable, and to the log rotator once it is initialized.
type logWriter struct {
	rotatorPipe *io.PipeWriter
}

func (w *logWriter) Write(b []byte) (int, error) {
	os.Stderr.Write(b)
	if w.rotatorPipe != nil {
		w.rotatorPipe.Write(b)
	}

	return len(b), nil
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend.
var (
	writer = &logWriter{}

	backendLog = btclog.NewBackend(writer)

	// logRotator is closed on shutdown if a log file is configured.
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("MAIN")
	onioLog = backendLog.Logger(onion.Subsystem)
	rplyLog = backendLog.Logger(replay.Subsystem)
	pendLog = backendLog.Logger(pending.Subsystem)
)

func init() {
	onion.UseLogger(onioLog)
	replay.UseLogger(rplyLog)
	pending.UseLogger(pendLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MAIN":            mainLog,
	onion.Subsystem:   onioLog,
	replay.Subsystem:  rplyLog,
	pending.Subsystem: pendLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.
func initLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// The rotator counts in KB, the configuration in MB.
	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	writer.rotatorPipe = pw
	logRotator = r

	return nil
}

// closeLogRotator flushes and closes the log file, if any.
func closeLogRotator() {
	if logRotator == nil {
		return
	}

	writer.rotatorPipe.Close()
	logRotator.Close()
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels applies either a single level for every
// subsystem or a comma separated list of <subsystem>=<level> pairs.
func setLogLevels(levels string) {
	if !strings.Contains(levels, "=") {
		for subsystemID := range subsystemLoggers {
			setLogLevel(subsystemID, levels)
		}

		return
	}

	for _, pair := range strings.Split(levels, ",") {
		fields := strings.SplitN(pair, "=", 2)
		if len(fields) != 2 {
			continue
		}

		setLogLevel(strings.ToUpper(fields[0]), fields[1])
	}
}
