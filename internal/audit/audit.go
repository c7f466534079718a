package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload represents an encrypted upload.
	EventTypeUpload EventType = "upload"
	// EventTypeDownload represents a fetch and decrypt of a stored file.
	EventTypeDownload EventType = "download"
	// EventTypeRemove represents a file removed from the manifest.
	EventTypeRemove EventType = "remove"
	// EventTypeManifestSync represents a manifest write to the remote store.
	EventTypeManifestSync EventType = "manifest_sync"
	// EventTypeAccess represents a gateway request.
	EventTypeAccess EventType = "access"
)

// File identifies the file an event refers to.
type File struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ContentAddress string `json:"content_address,omitempty"`
	EncryptionType string `json:"encryption_type,omitempty"`
	Size           int64  `json:"size,omitempty"`
}

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Operation string         `json:"operation"`
	File      *File          `json:"file,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
	ClientIP  string         `json:"client_ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogUpload logs an encrypt and upload of one file.
	LogUpload(file File, err error, duration time.Duration)

	// LogDownload logs a fetch and decrypt of one file.
	LogDownload(file File, err error, duration time.Duration)

	// LogRemove logs a manifest entry removal.
	LogRemove(file File, err error)

	// LogManifestSync logs a manifest write.
	LogManifestSync(trigger string, files int, err error, duration time.Duration)

	// LogAccess logs a gateway request.
	LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger. A nil writer keeps events in memory
// only.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, min(maxEvents, 1024)),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. A failing writer never fails the operation
// being audited, so its error is returned but the event is still buffered.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	if l.writer != nil {
		return l.writer.WriteEvent(event)
	}
	return nil
}

func (l *auditLogger) fileEvent(eventType EventType, file File, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType: eventType,
		Operation: string(eventType),
		File:      &file,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogUpload(file File, err error, duration time.Duration) {
	l.fileEvent(EventTypeUpload, file, err, duration)
}

func (l *auditLogger) LogDownload(file File, err error, duration time.Duration) {
	l.fileEvent(EventTypeDownload, file, err, duration)
}

func (l *auditLogger) LogRemove(file File, err error) {
	l.fileEvent(EventTypeRemove, file, err, 0)
}

func (l *auditLogger) LogManifestSync(trigger string, files int, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType: EventTypeManifestSync,
		Operation: "sync",
		Trigger:   trigger,
		Success:   err == nil,
		Duration:  duration,
		Metadata:  map[string]any{"files": files},
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType: EventTypeAccess,
		Operation: operation,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter creates a writer that logs every event at info level.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.File != nil {
		fields["file_id"] = event.File.ID
		fields["file_name"] = event.File.Name
		fields["content_address"] = event.File.ContentAddress
	}
	if event.Trigger != "" {
		fields["trigger"] = event.Trigger
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}

// nopLogger discards everything.
type nopLogger struct{}

// Nop returns a Logger that records nothing.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Log(*AuditEvent) error                                                { return nil }
func (nopLogger) LogUpload(File, error, time.Duration)                                 {}
func (nopLogger) LogDownload(File, error, time.Duration)                               {}
func (nopLogger) LogRemove(File, error)                                                {}
func (nopLogger) LogManifestSync(string, int, error, time.Duration)                    {}
func (nopLogger) LogAccess(string, string, string, string, bool, error, time.Duration) {}
func (nopLogger) Events() []*AuditEvent                                                { return nil }
