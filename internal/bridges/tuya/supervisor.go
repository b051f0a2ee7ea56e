package tuya

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// ConnectionState is the supervisor's view of the device session.
type ConnectionState string

// Connection states.
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosed       ConnectionState = "closed"
)

// State machine events.
const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventFailed      = "failed"
	eventDropped     = "dropped"
	eventClose       = "close"
)

// Supervisor timing defaults.
const (
	DefaultConnectTimeout   = 15 * time.Second
	DefaultRetryDelay       = 1 * time.Second
	DefaultLivenessInterval = 60 * time.Second
	DefaultGracePeriod      = 5 * time.Second
)

// SupervisorTiming configures the supervisor's delays. Zero values take the
// defaults.
type SupervisorTiming struct {
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration

	// RetryDelay separates failed connect attempts.
	RetryDelay time.Duration

	// LivenessInterval is the period of the session liveness probe.
	LivenessInterval time.Duration

	// GracePeriod is waited after a drop before reconnecting.
	GracePeriod time.Duration
}

func (t SupervisorTiming) withDefaults() SupervisorTiming {
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.LivenessInterval <= 0 {
		t.LivenessInterval = DefaultLivenessInterval
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = DefaultGracePeriod
	}
	return t
}

// SessionHandler receives the supervisor's session events. Calls come from
// the supervisor goroutine (OnConnected, OnOffline) or from the transport
// (OnStatus) and must not block.
type SessionHandler interface {
	OnConnected(sess Session)
	OnStatus(update DataPoints)
	OnOffline()
}

// Supervisor owns the session of one device: it connects, retries forever
// on failure, probes liveness and reconnects after drops until closed.
//
// States follow a small machine (looplab/fsm):
//
//	disconnected ─connect─► connecting ─established─► connected
//	      ▲                      │                        │
//	      └───────failed─────────┘◄────────dropped────────┘
//
// Any state moves to closed on Close. Callbacks from a superseded session
// are dropped by generation, so a late status or disconnect from an old
// attempt never reaches the handler.
//
// Thread Safety: All methods are safe for concurrent use.
type Supervisor struct {
	loggerHolder

	deviceID  string
	params    ConnectParams
	transport Transport
	handler   SessionHandler
	timing    SupervisorTiming
	metrics   *Metrics

	machine *fsm.FSM

	mu         sync.Mutex
	session    Session
	generation uint64

	drops     chan uint64
	closeCh   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	done      chan struct{}
}

// NewSupervisor creates a supervisor. Start must be called to begin
// connecting.
//
// Parameters:
//   - params: Connection parameters; a zero Timeout takes timing.ConnectTimeout
//   - transport: Opens sessions
//   - handler: Receives session events; must not block
//   - timing: Retry, liveness and grace periods; zero values take defaults
//
// Returns:
//   - *Supervisor: Supervisor in the disconnected state
func NewSupervisor(params ConnectParams, transport Transport, handler SessionHandler, timing SupervisorTiming) *Supervisor {
	timing = timing.withDefaults()
	if params.Timeout <= 0 {
		params.Timeout = timing.ConnectTimeout
	}
	s := &Supervisor{
		deviceID:  params.DeviceID,
		params:    params,
		transport: transport,
		handler:   handler,
		timing:    timing,
		drops:     make(chan uint64, 4),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventFailed, Src: []string{string(StateConnecting)}, Dst: string(StateDisconnected)},
			{Name: eventDropped, Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: eventClose, Src: []string{
				string(StateDisconnected), string(StateConnecting), string(StateConnected),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logDebug("connection state changed",
					"device_id", s.deviceID, "from", e.Src, "to", e.Dst, "event", e.Event)
				s.metrics.connectionUp(s.deviceID, e.Dst == string(StateConnected))
			},
		},
	)
	return s
}

// SetMetrics attaches metrics; nil disables them. Call before Start.
func (s *Supervisor) SetMetrics(m *Metrics) { s.metrics = m }

// Start launches the supervision loop. Calling Start more than once has no
// effect. Cancelling ctx has the same effect as Close.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Close stops supervision without waiting. A connect attempt in flight is
// allowed to finish and its session is closed right away. Idempotent.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.fire(eventClose)
	})
	// Unblock Wait when the loop was never started.
	s.startOnce.Do(func() { close(s.done) })
}

// Wait blocks until the supervision loop has exited.
func (s *Supervisor) Wait() {
	<-s.done
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.machine.Current())
}

// Session returns the open session, or nil when not connected.
func (s *Supervisor) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

type exitReason int

const (
	exitClosed exitReason = iota
	exitDropped
	exitLiveness
)

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	warned := false
	for {
		if s.closed(ctx) {
			s.fire(eventClose)
			return
		}

		s.fire(eventConnect)
		sess, gen, err := s.connect(ctx)
		if s.closed(ctx) {
			if sess != nil {
				s.clearSession(gen)
				s.closeSession(sess)
			}
			s.fire(eventClose)
			return
		}

		if err != nil {
			s.fire(eventFailed)
			s.metrics.connectAttempt(s.deviceID, false)
			if !warned {
				s.logWarn("device connect failed, retrying",
					"device_id", s.deviceID, "address", s.params.Address, "error", err)
				s.handler.OnOffline()
				warned = true
			} else {
				s.logDebug("device connect retry failed", "device_id", s.deviceID, "error", err)
			}
			if !s.sleep(ctx, s.timing.RetryDelay) {
				s.fire(eventClose)
				return
			}
			continue
		}

		warned = false
		s.metrics.connectAttempt(s.deviceID, true)
		s.fire(eventEstablished)
		s.logInfo("device connected", "device_id", s.deviceID, "address", s.params.Address)
		s.handler.OnConnected(sess)

		reason := s.watch(ctx, sess, gen)
		s.clearSession(gen)
		s.closeSession(sess)

		switch reason {
		case exitClosed:
			s.fire(eventClose)
			return

		case exitDropped:
			s.fire(eventDropped)
			s.logInfo("device disconnected, reconnecting after grace period",
				"device_id", s.deviceID, "grace", s.timing.GracePeriod)
			s.handler.OnOffline()
			if !s.sleep(ctx, s.timing.GracePeriod) {
				s.fire(eventClose)
				return
			}

		case exitLiveness:
			s.fire(eventDropped)
			s.logInfo("device liveness check failed, reconnecting", "device_id", s.deviceID)
		}
	}
}

// connect performs one attempt. The attempt is not cancelled by Close or by
// ctx; only its own timeout bounds it.
func (s *Supervisor) connect(ctx context.Context) (Session, uint64, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.params.Timeout)
	defer cancel()

	sess, err := s.transport.Connect(connectCtx, s.params, &sessionListener{s: s, gen: gen})
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "connect", Err: err}
		}
		return nil, gen, err
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return sess, gen, nil
}

// watch blocks while the session is healthy. There is exactly one liveness
// ticker per connected session.
func (s *Supervisor) watch(ctx context.Context, sess Session, gen uint64) exitReason {
	ticker := time.NewTicker(s.timing.LivenessInterval)
	defer ticker.Stop()

	// Discard drops left over from earlier sessions.
	for pending := true; pending; {
		select {
		case dropped := <-s.drops:
			if dropped == gen {
				return exitDropped
			}
		default:
			pending = false
		}
	}

	for {
		select {
		case <-s.closeCh:
			return exitClosed
		case <-ctx.Done():
			return exitClosed
		case dropped := <-s.drops:
			if dropped == gen {
				return exitDropped
			}
		case <-ticker.C:
			if !sess.Alive() {
				return exitLiveness
			}
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) closed(ctx context.Context) bool {
	select {
	case <-s.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Supervisor) clearSession(gen uint64) {
	s.mu.Lock()
	if s.generation == gen {
		s.session = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) closeSession(sess Session) {
	if err := sess.Close(); err != nil {
		s.logDebug("closing device session", "device_id", s.deviceID, "error", err)
	}
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// fire triggers a state machine event. Events that do not apply in the
// current state are ignored.
func (s *Supervisor) fire(event string) {
	err := s.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noTransition) {
		return
	}
	s.logDebug("connection state event rejected", "device_id", s.deviceID, "event", event, "error", err)
}

// sessionListener forwards transport callbacks tagged with the attempt
// generation so that callbacks from an abandoned session are dropped.
type sessionListener struct {
	s   *Supervisor
	gen uint64
}

func (l *sessionListener) OnStatus(update DataPoints) {
	if !l.s.current(l.gen) {
		return
	}
	l.s.handler.OnStatus(update)
}

func (l *sessionListener) OnDisconnected() {
	if !l.s.current(l.gen) {
		return
	}
	select {
	case l.s.drops <- l.gen:
	default:
	}
}
