// Package bridge routes hypervisor engine callbacks to host sessions.
//
// Engines call back on threads they own, tagged with an opaque vm.Handle. The
// bridge resolves the handle under a lock, hands the event to a per-session
// queue and returns, so engine threads never block on host code. Retire gives
// the host a point after which no further event for a handle is delivered.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"

	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/timeouts"
)

// DefaultRetireTimeout bounds how long Retire waits for in-flight dispatches
// and queued events to drain.
const DefaultRetireTimeout = timeouts.RetireDrainTimeout

// ErrUnknownHandle is returned when a handle was never registered or has
// already been retired.
var ErrUnknownHandle = fmt.Errorf("unknown callback handle: %w", errdefs.ErrNotFound)

// Session is the host-side target of one machine's callbacks.
type Session struct {
	// ID names the session in logs and events.
	ID string
	// Sink receives *StartEvent and *PortEvent values in dispatch order. It
	// is closed after the last event when the session is retired.
	Sink events.Sink
}

type sessionRecord struct {
	session Session
	queue   *events.Queue
	gate    *gateSink

	// retiring and inflight are guarded by Bridge.mu for Add and the
	// retiring transition; Wait happens after retiring is set.
	retiring bool
	inflight sync.WaitGroup

	started atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRetireTimeout overrides DefaultRetireTimeout.
func WithRetireTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.retireTimeout = d
		}
	}
}

// WithLogger sets the logger used for dropped events and retire timeouts.
func WithLogger(l *log.Entry) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge maps handles to host sessions. The zero value is not usable; use New.
type Bridge struct {
	mu       sync.Mutex
	sessions map[vm.Handle]*sessionRecord
	next     atomic.Uint64

	retireTimeout time.Duration
	logger        *log.Entry
	metrics       *Metrics
}

// New returns an empty bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		sessions:      make(map[vm.Handle]*sessionRecord),
		retireTimeout: DefaultRetireTimeout,
		logger:        log.L.WithField("component", "bridge"),
		metrics:       &Metrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Metrics returns the live counters of this bridge.
func (b *Bridge) Metrics() *Metrics {
	return b.metrics
}

// Register adds a session and returns its handle. Handles are never reused
// for the lifetime of the bridge.
func (b *Bridge) Register(s Session) (vm.Handle, error) {
	if s.Sink == nil {
		return 0, fmt.Errorf("session %q has no sink: %w", s.ID, errdefs.ErrInvalidArgument)
	}

	gate := &gateSink{dst: s.Sink}
	rec := &sessionRecord{
		session: s,
		gate:    gate,
		queue:   events.NewQueue(gate),
	}
	h := vm.Handle(b.next.Add(1))

	b.mu.Lock()
	b.sessions[h] = rec
	b.mu.Unlock()

	b.metrics.Registered.Add(1)
	b.logger.WithFields(log.Fields{
		"handle":  h,
		"session": s.ID,
	}).Debug("registered session")
	return h, nil
}

// acquire resolves h and counts the caller as in flight. The caller must
// call release on the returned record.
func (b *Bridge) acquire(h vm.Handle) (*sessionRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.sessions[h]
	if !ok || rec.retiring {
		return nil, false
	}
	rec.inflight.Add(1)
	return rec, true
}

func (rec *sessionRecord) release() {
	rec.inflight.Done()
}

func (b *Bridge) drop(h vm.Handle, event, reason string) {
	b.metrics.EventsDropped.Add(1)
	b.logger.WithFields(log.Fields{
		"handle": h,
		"event":  event,
		"reason": reason,
	}).Debug("dropped engine callback")
}

// DispatchStartCompletion delivers the outcome of a start request to the
// session registered under h. Callbacks for unknown or retiring handles and
// any completion after the first are dropped.
func (b *Bridge) DispatchStartCompletion(h vm.Handle, err error) {
	rec, ok := b.acquire(h)
	if !ok {
		b.drop(h, "start", "unknown handle")
		return
	}
	defer rec.release()

	if !rec.started.CompareAndSwap(false, true) {
		b.drop(h, "start", "start already completed")
		return
	}

	if err != nil {
		var bf *vm.BootFailure
		if !errors.As(err, &bf) {
			err = vm.NewBootFailure(err)
		}
	}
	ev := &StartEvent{SessionID: rec.session.ID, Handle: h, Err: err}
	if werr := rec.queue.Write(ev); werr != nil {
		b.drop(h, "start", werr.Error())
		return
	}
	b.metrics.StartEventsDelivered.Add(1)
}

// DispatchPortEvent delivers a console port notification to the session
// registered under h.
func (b *Bridge) DispatchPortEvent(h vm.Handle, kind PortEventKind, dev vm.ConsoleDevice, port vm.ConsolePort) {
	rec, ok := b.acquire(h)
	if !ok {
		b.drop(h, kind.String(), "unknown handle")
		return
	}
	defer rec.release()

	ev := &PortEvent{
		SessionID: rec.session.ID,
		Handle:    h,
		Kind:      kind,
		Device:    dev,
		Port:      port,
	}
	if err := rec.queue.Write(ev); err != nil {
		b.drop(h, kind.String(), err.Error())
		return
	}
	b.metrics.PortEventsDelivered.Add(1)
}

// StartCompleted matches vm.StartCompletionFunc.
func (b *Bridge) StartCompleted(h vm.Handle, err error) {
	b.DispatchStartCompletion(h, err)
}

// PortOpened matches vm.PortCallback for the did-open notification.
func (b *Bridge) PortOpened(h vm.Handle, dev vm.ConsoleDevice, port vm.ConsolePort) {
	b.DispatchPortEvent(h, PortOpened, dev, port)
}

// PortClosed matches vm.PortCallback for the did-close notification.
func (b *Bridge) PortClosed(h vm.Handle, dev vm.ConsoleDevice, port vm.ConsolePort) {
	b.DispatchPortEvent(h, PortClosed, dev, port)
}

// Retire stops accepting callbacks for h, waits for dispatches already in
// flight, flushes queued events to the session sink and forgets the handle.
//
// The wait is bounded by the retire timeout and ctx. When either expires the
// session sink is revoked and the returned error wraps the context error. A
// write the host sink is still blocked in may complete; no other event
// reaches the host. In every case h is unknown once
// Retire returns.
func (b *Bridge) Retire(ctx context.Context, h vm.Handle) error {
	b.mu.Lock()
	rec, ok := b.sessions[h]
	if !ok || rec.retiring {
		b.mu.Unlock()
		return fmt.Errorf("retire %s: %w", h, ErrUnknownHandle)
	}
	rec.retiring = true
	b.mu.Unlock()

	logger := log.G(ctx).WithFields(log.Fields{
		"handle":  h,
		"session": rec.session.ID,
	})

	ctx, cancel := context.WithTimeout(ctx, b.retireTimeout)
	defer cancel()

	start := time.Now()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		rec.inflight.Wait()
		if err := rec.queue.Close(); err != nil {
			logger.WithError(err).Debug("failed to close session sink")
		}
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		inFlight := rec.gate.revoke()
		err = fmt.Errorf("retire %s: timed out draining session %q: %w", h, rec.session.ID, ctx.Err())
		logger.WithError(err).WithField("in_flight", inFlight).Warn("retire did not drain, revoked session sink")
	}

	b.mu.Lock()
	delete(b.sessions, h)
	b.mu.Unlock()

	b.metrics.recordRetire(time.Since(start), err != nil)
	return err
}

// Len returns the number of registered sessions, retiring ones included.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// gateSink forwards to the host sink until revoked. mu is held across a
// forwarded write so revoke can tell whether one is in progress.
type gateSink struct {
	dst     events.Sink
	mu      sync.Mutex
	revoked atomic.Bool
}

func (g *gateSink) Write(ev events.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked.Load() {
		return events.ErrSinkClosed
	}
	return g.dst.Write(ev)
}

func (g *gateSink) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked.Load() {
		return nil
	}
	return g.dst.Close()
}

// revoke stops forwarding without waiting. It reports whether a write was
// already handed to the host sink; that one event may still be delivered
// after revoke returns, and no write begins afterwards.
func (g *gateSink) revoke() (inFlight bool) {
	g.revoked.Store(true)
	if g.mu.TryLock() {
		g.mu.Unlock()
		return false
	}
	return true
}
