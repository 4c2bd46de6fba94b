/*
engine.go - Engine construction and the optimistic retry loop

PURPOSE:
  The Engine is the only writer of Customer.Outstanding. It wires the Store,
  the audit Emitter, logging and tracing, and implements the bounded
  optimistic read-modify-write cycle shared by ReserveCredit and
  ReleaseCredit.

OPTIMISTIC CONCURRENCY:
  1. Load customer (Outstanding, Version)
  2. Compute the next value from the loaded state
  3. CompareAndSwapOutstanding(id, Version, next)
  4. Swap lost -> reload and recompute (at most MaxAttempts times)
  5. All attempts lost -> ConcurrencyError (CONCURRENCY_EXHAUSTED, retryable)

  No lock is held between attempts, so nothing can block indefinitely and
  per-customer operations run fully in parallel across customers.

TIMEOUTS:
  Every operation honours the caller's context. When the caller supplied no
  deadline, OperationTimeout is applied. A timeout before the swap leaves
  no visible mutation; each attempt is all-or-nothing.
*/
package credit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/warp/creditguard/credit"

// =============================================================================
// CONFIG
// =============================================================================

// Config tunes the engine. Non-positive MaxAttempts and Concurrency and a
// negative Scale fall back to DefaultConfig; zero Tolerance means exact
// matching. Start from DefaultConfig when only some fields are set.
type Config struct {
	// MaxAttempts bounds the optimistic retry loop.
	MaxAttempts int

	// RetryBackoff is the base pause between lost attempts. Jitter of up to
	// one RetryBackoff is added. Zero disables pausing.
	RetryBackoff time.Duration

	// OperationTimeout applies when the caller's context has no deadline.
	OperationTimeout time.Duration

	// Scale is the number of decimal places of the smallest currency unit.
	// Zero means whole units.
	Scale int32

	// Tolerance is the drift absorbed by reconciliation without action.
	Tolerance decimal.Decimal

	// Concurrency bounds parallel customers in ReconcileAll.
	Concurrency int
}

// DefaultConfig returns the engine defaults: 5 attempts, 2ms backoff, 5s
// timeout, scale 2 and a tolerance of one smallest unit.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		RetryBackoff:     2 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
		Scale:            DefaultScale,
		Tolerance:        MinorUnit(DefaultScale),
		Concurrency:      4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.Scale < 0 {
		c.Scale = d.Scale
	}
	if c.Tolerance.IsNegative() {
		c.Tolerance = decimal.Zero
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   Store
	cfg     Config
	emitter *Emitter
	logger  logrus.FieldLogger
	tracer  trace.Tracer
	now     func() time.Time
	sinks   []Sink

	flight singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger used for conflicts and audit failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSinks adds audit sinks.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    DefaultConfig(),
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.emitter = NewEmitter(store, e.logger, e.sinks...)
	e.emitter.now = e.now
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// AuditTrail returns audit events matching filter.
func (e *Engine) AuditTrail(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return e.store.Query(ctx, filter)
}

// Customer returns an active customer.
func (e *Engine) Customer(ctx context.Context, id CustomerID) (*Customer, error) {
	return e.loadActive(ctx, id)
}

// =============================================================================
// OPTIMISTIC LOOP
// =============================================================================

// plan computes the next outstanding value from a freshly loaded customer.
// write=false ends the loop without a swap (e.g. a blocked reservation).
type plan func(c Customer) (next decimal.Decimal, write bool, err error)

// attempt is the outcome of a successful optimistic cycle. For writes,
// customer holds the state the swap was conditioned on, so Outstanding is
// the exact balance before the write.
type attempt struct {
	customer Customer
	next     decimal.Decimal
	wrote    bool
	tries    int
}

func (e *Engine) optimistic(ctx context.Context, id CustomerID, p plan) (attempt, error) {
	for try := 1; try <= e.cfg.MaxAttempts; try++ {
		if err := ctx.Err(); err != nil {
			return attempt{}, err
		}
		c, err := e.loadActive(ctx, id)
		if err != nil {
			return attempt{}, err
		}
		next, write, err := p(*c)
		if err != nil {
			return attempt{}, err
		}
		if !write {
			return attempt{customer: *c, next: c.Outstanding, tries: try}, nil
		}
		swapped, err := e.store.CompareAndSwapOutstanding(ctx, id, c.Version, next)
		if err != nil {
			return attempt{}, fmt.Errorf("credit: swap outstanding for %s: %w", id, err)
		}
		if swapped {
			return attempt{customer: *c, next: next, wrote: true, tries: try}, nil
		}
		e.logger.WithFields(logrus.Fields{
			"customer_id": id,
			"version":     c.Version,
			"attempt":     try,
		}).Debug("outstanding changed concurrently, retrying")
		if try < e.cfg.MaxAttempts {
			if err := e.pause(ctx, try); err != nil {
				return attempt{}, err
			}
		}
	}
	return attempt{}, &ConcurrencyError{CustomerID: id, Attempts: e.cfg.MaxAttempts}
}

func (e *Engine) pause(ctx context.Context, try int) error {
	if e.cfg.RetryBackoff <= 0 {
		return nil
	}
	d := e.cfg.RetryBackoff*time.Duration(try) + time.Duration(rand.Int63n(int64(e.cfg.RetryBackoff)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) loadActive(ctx context.Context, id CustomerID) (*Customer, error) {
	c, err := e.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return c, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.OperationTimeout)
}

// emit appends an audit event. Failures are logged, never returned: the
// balance mutation that triggered the event stands.
func (e *Engine) emit(ctx context.Context, ev AuditEvent) string {
	ev = e.emitter.stamp(ev)
	// the event describes a write that already happened; record it even if
	// the caller is going away
	if err := e.emitter.Emit(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.WithFields(logrus.Fields{
			"module":      "credit",
			"code":        CodeAuditWriteFailed,
			"action":      ev.Action,
			"customer_id": ev.CustomerID,
			"request_id":  ev.RequestID,
			"before":      ev.BalanceBefore.String(),
			"after":       ev.BalanceAfter.String(),
		}).WithError(err).Error("audit write failed; balance change kept")
		return ""
	}
	return ev.ID
}

// findRecorded returns the most recent event for requestID among actions.
func (e *Engine) findRecorded(ctx context.Context, id CustomerID, requestID string, actions ...AuditAction) (*AuditEvent, error) {
	events, err := e.store.Query(ctx, AuditFilter{
		CustomerID: id,
		RequestID:  requestID,
		Actions:    actions,
		Limit:      1,
		Newest:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("credit: idempotency lookup: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
	}
	span.End()
}

func flightKey(op string, id CustomerID, requestID string) string {
	return op + "\x00" + string(id) + "\x00" + requestID
}
