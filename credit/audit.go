/*
audit.go - Audit Emitter

PURPOSE:
  Appends one immutable AuditEvent per engine decision and fans it out to
  optional sinks (log shippers, external audit viewers).

FAILURE SEMANTICS:
  Emit returns the append error to the caller. The engine logs it as
  AUDIT_WRITE_FAILED and keeps the balance mutation: balance consistency
  wins over audit completeness, and reconciliation catches any drift.
  Sink failures are logged by the emitter and never returned.

AWAIT OR FIRE-AND-FORGET:
  err := emitter.Emit(ctx, ev)          // synchronous
  done := emitter.EmitAsync(ctx, ev)    // <-chan error, buffered, may be ignored
*/
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink receives every successfully appended audit event.
type Sink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ctx context.Context, event AuditEvent) error

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// Emitter appends audit events to an AuditLog.
type Emitter struct {
	log    AuditLog
	sinks  []Sink
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewEmitter creates an emitter writing to log.
func NewEmitter(log AuditLog, logger logrus.FieldLogger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Emitter{log: log, sinks: sinks, now: time.Now, logger: logger}
}

// AddSink registers an additional sink. Not safe to call concurrently with Emit.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Emit stamps and appends the event, then notifies sinks.
func (e *Emitter) Emit(ctx context.Context, event AuditEvent) error {
	event = e.stamp(event)
	if err := e.log.Append(ctx, event); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAuditWriteFailed, event.Action, event.CustomerID, err)
	}
	for _, s := range e.sinks {
		if err := s.Record(ctx, event); err != nil {
			e.logger.WithFields(logrus.Fields{
				"module":      "credit",
				"funcName":    "Emitter.Emit",
				"action":      event.Action,
				"customer_id": event.CustomerID,
				"event_id":    event.ID,
			}).WithError(err).Warn("audit sink failed")
		}
	}
	return nil
}

// EmitAsync emits on a new goroutine. The returned channel receives exactly one
// value and is buffered, so callers may drop it.
func (e *Emitter) EmitAsync(ctx context.Context, event AuditEvent) <-chan error {
	done := make(chan error, 1)
	// the caller's cancellation must not abort an append that already started
	ctx = context.WithoutCancel(ctx)
	go func() {
		done <- e.Emit(ctx, event)
	}()
	return done
}

func (e *Emitter) stamp(event AuditEvent) AuditEvent {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	return event
}
