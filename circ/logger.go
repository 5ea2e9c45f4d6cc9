package circ

import (
	"fmt"
	"log"
	"os"
)

// Logger appends workstation operation lines (sync and upload outcomes) to
// a local file. A nil *Logger is valid and discards everything, so library
// code can carry one without the CLI configuring it. Methods are safe for
// concurrent use.
type Logger struct {
	file   *os.File
	logger *log.Logger
}

// NewLogger opens (or creates) the log file at filePath.
func NewLogger(filePath string) (*Logger, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Logger{
		file:   file,
		logger: log.New(file, "", log.LstdFlags),
	}, nil
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	if l == nil {
		return
	}
	l.logger.Println("INFO: " + msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	if l == nil {
		return
	}
	l.logger.Println("WARN: " + msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	if l == nil {
		return
	}
	l.logger.Println("ERROR: " + msg)
}

// Close closes the log file.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.file.Close()
}
