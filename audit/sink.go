package audit

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event types recorded by the validation and replication pipeline.
const (
	EventValidationRejected = "validation_rejected"
	EventIntegrityTamper    = "integrity_tamper"
	EventConsensusDecision  = "consensus_decision"
	EventReplication        = "replication"
	EventAuditFailure       = "audit_failure"
	EventPeer               = "peer"
)

// Sink records audit events. Recording is fire-and-forget and must never
// block the caller.
type Sink interface {
	Record(eventType string, fields map[string]interface{})
}

// LogSink writes audit events to the log through a buffered channel. If the
// buffer is full the event is dropped rather than blocking validation.
type LogSink struct {
	log    *logrus.Entry
	events chan auditEvent
}

type auditEvent struct {
	eventType string
	fields    map[string]interface{}
}

// NewLogSink creates a log-backed audit sink and starts its drain goroutine.
func NewLogSink(bufferSize int) *LogSink {
	s := &LogSink{
		log:    logrus.WithField("module", "audit"),
		events: make(chan auditEvent, bufferSize),
	}

	go s.drain()

	return s
}

func (s *LogSink) drain() {
	for ev := range s.events {
		s.log.WithField("event", ev.eventType).WithFields(logrus.Fields(ev.fields)).Info("audit event")
	}
}

// Record implements Sink.
func (s *LogSink) Record(eventType string, fields map[string]interface{}) {
	select {
	case s.events <- auditEvent{eventType: eventType, fields: fields}:
	default:
		// dropping is preferable to stalling the validation path
	}
}

// MemorySink collects events in memory for tests.
type MemorySink struct {
	lock   sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured audit event.
type RecordedEvent struct {
	Type   string
	Fields map[string]interface{}
}

// NewMemorySink creates an in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(eventType string, fields map[string]interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, RecordedEvent{Type: eventType, Fields: fields})
}

// Events returns a snapshot of everything recorded so far.
func (s *MemorySink) Events() []RecordedEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]RecordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

var _ Sink = &LogSink{}
var _ Sink = &MemorySink{}
