// Package log provides structured logging utilities for avalond.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with pool-specific fields
func (l *Logger) WithPool(host string, port int) *Logger {
	return l.WithFields("pool_host", host, "pool_port", port)
}

// WithModule returns a logger with module-specific fields
func (l *Logger) WithModule(moduleID int) *Logger {
	return l.WithFields("module_id", moduleID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs pool connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogJobReceived logs the arrival of a new job from the pool
func (l *Logger) LogJobReceived(jobID string, merkleCount int, cleanJobs bool) {
	l.Info("job received",
		"job_id", jobID,
		"merkle_count", merkleCount,
		"clean_jobs", cleanJobs,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(worker, jobID string, nonce uint32, status string) {
	l.Info("share submission",
		"worker", worker,
		"job_id", jobID,
		"nonce", nonce,
		"status", status,
	)
}

// LogNonceResult logs the outcome of validating a device-reported nonce
func (l *Logger) LogNonceResult(moduleID, chipID int, jobID string, valid bool) {
	l.Debug("nonce validated",
		"module_id", moduleID,
		"chip_id", chipID,
		"job_id", jobID,
		"valid", valid,
	)
}

// LogModuleState logs module state transitions
func (l *Logger) LogModuleState(moduleID int, from, to string) {
	l.Info("module state change",
		"module_id", moduleID,
		"from", from,
		"to", to,
	)
}

// LogPoolSwitch logs failover from one pool to another
func (l *Logger) LogPoolSwitch(fromHost, toHost, reason string) {
	l.Info("pool switch",
		"from", fromHost,
		"to", toHost,
		"reason", reason,
	)
}
