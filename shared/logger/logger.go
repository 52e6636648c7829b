// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging for the help-service components.
type Logger struct {
	Component string
	out       *log.Logger
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Component string         `json:"component"`
	RequestID string         `json:"request_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component.
func New(component string) *Logger {
	return &Logger{
		Component: component,
		out:       log.New(os.Stdout, "", 0),
	}
}

// NewWithWriter creates a Logger writing to the given writer. Used in tests.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		Component: component,
		out:       log.New(w, "", 0),
	}
}

// Log creates a structured log entry and writes it as a single JSON line.
func (l *Logger) Log(level LogLevel, requestID, message string, fields map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		l.out.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	l.out.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(requestID, message string, fields map[string]any) {
	l.Log(INFO, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(requestID, message string, fields map[string]any) {
	l.Log(ERROR, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(requestID, message string, fields map[string]any) {
	l.Log(WARN, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(requestID, message string, fields map[string]any) {
	l.Log(DEBUG, requestID, message, fields)
}

// ErrorWithErr logs an error message with the error attached as a field.
func (l *Logger) ErrorWithErr(requestID, message string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field.
func (l *Logger) InfoWithDuration(requestID, message string, durationMS float64, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["duration_ms"] = durationMS
	l.Info(requestID, message, fields)
}
