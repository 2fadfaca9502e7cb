package pairing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRelayStopped is returned when an event is posted after Stop.
var ErrRelayStopped = errors.New("pairing relay stopped")

const defaultEventBuffer = 256

// Relay serialises every pairing event onto one goroutine.
//
// Transport callbacks, sweeps, persistence completions and shutdown are all
// closures run to completion on the loop, so the Store and Machine need no
// locking.
type Relay struct {
	machine *Machine
	logger  *slog.Logger

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	inflight sync.WaitGroup

	// postMu guards quitting against concurrent posts.
	postMu   sync.RWMutex
	quitting bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRelay wires machine to a new event loop. Call Start before posting.
func NewRelay(machine *Machine, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		machine: machine,
		logger:  logger.With("component", "relay"),
		events:  make(chan func(), defaultEventBuffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	machine.spawn = r.spawn
	machine.post = func(fn func()) {
		if err := r.post(fn); err != nil {
			r.logger.Warn("dropped event after stop", "error", err)
		}
	}
	return r
}

// Start runs the event loop.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *Relay) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.quit:
			// No post can queue after quit; run what is already queued.
			for {
				select {
				case fn := <-r.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn on the loop. Once Stop has begun quitting the loop nothing
// more is queued, so a queued event always runs.
func (r *Relay) post(fn func()) error {
	r.postMu.RLock()
	defer r.postMu.RUnlock()
	if r.quitting {
		return ErrRelayStopped
	}
	r.events <- fn
	return nil
}

// call runs fn on the loop and waits for it.
func (r *Relay) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) spawn(fn func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		fn()
	}()
}

// HandleFrame queues an inbound text frame from conn.
func (r *Relay) HandleFrame(conn Conn, raw []byte) {
	if err := r.post(func() { r.machine.HandleFrame(conn, raw) }); err != nil {
		_ = conn.Send(Fail(MsgShuttingDown))
	}
}

// HandleInvalid answers a frame the transport could not pass on, such as a
// binary message.
func (r *Relay) HandleInvalid(conn Conn) {
	_ = r.post(func() {
		r.machine.metrics.FrameHandled("unknown", "", "error")
		r.machine.reply(conn, Fail(MsgInvalidPayload))
	})
}

// HandleClose queues disconnect handling for conn.
func (r *Relay) HandleClose(conn Conn) {
	_ = r.post(func() { r.machine.HandleClose(conn) })
}

// Sweep evicts expired sessions on the loop.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	var removed int
	err := r.call(ctx, func() { removed = r.machine.Sweep(r.machine.now()) })
	return removed, err
}

// SessionInfo is a read-only snapshot of a live session.
type SessionInfo struct {
	Token      string
	CompanyID  int64
	State      State
	PairingURL string
	CreatedAt  time.Time
}

// Lookup returns a snapshot of the live session for token.
func (r *Relay) Lookup(ctx context.Context, token string) (SessionInfo, bool, error) {
	var (
		info  SessionInfo
		found bool
	)
	err := r.call(ctx, func() {
		session, ok := r.machine.Lookup(token)
		if !ok {
			return
		}
		found = true
		info = SessionInfo{
			Token:      session.Token,
			CompanyID:  session.CompanyID,
			State:      session.State(),
			PairingURL: r.machine.PairingURL(session.Token),
			CreatedAt:  session.CreatedAt,
		}
	})
	return info, found, err
}

// SessionCount returns the number of live sessions.
func (r *Relay) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := r.call(ctx, func() { n = r.machine.SessionCount() })
	return n, err
}

// Shutdown notifies and closes every session party and refuses new
// sessions. The loop keeps running so in-flight persistence can finish.
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.call(ctx, r.machine.Shutdown)
}

// Stop waits for in-flight persistence and stops the loop.
func (r *Relay) Stop(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	// Let completions already queued run before the loop exits.
	_ = r.call(ctx, func() {})
	r.stopOnce.Do(func() {
		r.postMu.Lock()
		r.quitting = true
		r.postMu.Unlock()
		close(r.quit)
	})
	select {
	case <-r.stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
