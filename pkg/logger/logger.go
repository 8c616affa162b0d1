package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Logger wraps logrus.Logger with record-flow specific helpers
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance writing JSON to stdout
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to the given destination
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := NewWithOutput("panic", io.Discard)
	return l
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithIdentity creates a new logger entry carrying the acting wallet address
func (l *Logger) WithIdentity(identity string) *logrus.Entry {
	return l.Logger.WithField("identity", identity)
}

// WithContext creates a logger entry with the trace and span ids of the active span
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger).WithContext(ctx)

	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		entry = entry.WithField("trace_id", sc.TraceID().String())
	}
	if sc.HasSpanID() {
		entry = entry.WithField("span_id", sc.SpanID().String())
	}

	return entry
}

// Audit logs audit events with structured format
func (l *Logger) Audit(identity, action, resource string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"identity": identity,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// PHIAccess logs record access attempts. Only identifiers are logged, never payloads.
func (l *Logger) PHIAccess(ctx context.Context, caller, patient, action string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"phi_access": true,
		"caller":     caller,
		"patient":    patient,
		"action":     action,
		"success":    success,
		"details":    details,
	})

	if success {
		entry.Info("PHI access granted")
	} else {
		entry.Warn("PHI access denied")
	}
}

// BlockchainTransaction logs ledger transaction lifecycle events
func (l *Logger) BlockchainTransaction(ctx context.Context, method, phase string, success bool, txHash string, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"blockchain":       true,
		"method":           method,
		"phase":            phase,
		"success":          success,
		"transaction_hash": txHash,
		"details":          details,
	})

	if success {
		entry.Info("Blockchain transaction " + phase)
	} else {
		entry.Error("Blockchain transaction failed")
	}
}

// StoreOperation logs document store operation events
func (l *Logger) StoreOperation(ctx context.Context, backend, operation string, duration int64, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"store":       true,
		"backend":     backend,
		"operation":   operation,
		"duration_ms": duration,
		"success":     success,
		"details":     details,
	})

	if success {
		entry.Debug("Store operation completed")
	} else {
		entry.Error("Store operation failed")
	}
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"user_agent":   userAgent,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
