package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatpilot/pkg/logx"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/proto"
)

var (
	errPairingTimeout = errors.New("pairing confirmation timed out")
	errSessionClosed  = errors.New("transport session closed")
)

// actorConfig is the slice of runtime configuration an actor needs.
type actorConfig struct {
	pairingTimeout time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxConsecutive int
	queueSize      int
}

// actor owns one instance's transport session. All transport I/O happens on
// the actor's goroutine; the rest of the process talks to it through the
// bounded outbound channel and the snapshot accessors.
type actor struct {
	tenantID   string
	instanceID string
	transport  Transport
	handler    InboundHandler
	logger     *logx.Logger
	recorder   metrics.Recorder
	cfg        actorConfig

	outbound chan *proto.ChatMsg

	// notifyStatus is invoked on every status change, outside the state
	// mutex. Set by the manager for persistence and gauges.
	notifyStatus func(State)

	mu          sync.RWMutex
	status      Status
	pairingCode string
	lastSeen    *time.Time
	lastErr     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newPairingCode generates a short code in the XXXX-XXXX shape shown to the
// tenant admin for scanning/typing on the remote device.
func newPairingCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:4] + "-" + raw[4:8]
}

func newActor(tenantID, instanceID string, transport Transport, handler InboundHandler,
	recorder metrics.Recorder, cfg actorConfig, notifyStatus func(State)) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &actor{
		tenantID:     tenantID,
		instanceID:   instanceID,
		transport:    transport,
		handler:      handler,
		logger:       logx.NewLogger("instance:" + instanceID),
		recorder:     recorder,
		cfg:          cfg,
		outbound:     make(chan *proto.ChatMsg, cfg.queueSize),
		notifyStatus: notifyStatus,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// run drives the connect/pair/serve/reconnect loop until stopped or the
// consecutive failure budget is spent. firstCode is the pairing code already
// published by Connect; later attempts generate fresh ones.
func (a *actor) run(firstCode string) {
	defer close(a.done)

	code := firstCode
	failures := 0

	for {
		if code == "" {
			code = newPairingCode()
		}
		a.setState(StatusConnecting, code, nil)

		sess, err := a.transport.Open(a.ctx, a.tenantID, a.instanceID, code)
		if err != nil {
			if a.stopping() {
				a.setState(StatusDisconnected, "", nil)
				return
			}
			a.logger.Warn("Dial failed: %v", err)
			if !a.retry(&failures, "dial", err) {
				return
			}
			code = ""
			continue
		}

		paired, err := a.awaitPairing(sess)
		if !paired {
			sess.Close()
			if a.stopping() {
				a.setState(StatusDisconnected, "", nil)
				return
			}
			// Timed-out codes are invalidated: the next attempt publishes a
			// fresh one.
			a.logger.Warn("Pairing not confirmed: %v", err)
			if !a.retry(&failures, "pairing", err) {
				return
			}
			code = ""
			continue
		}

		failures = 0
		a.setState(StatusConnected, "", nil)
		a.logger.Info("Instance %s connected", a.instanceID)

		err = a.serve(sess)
		sess.Close()

		if a.stopping() {
			a.setState(StatusDisconnected, "", nil)
			return
		}
		a.logger.Warn("Transport session lost: %v", err)
		if !a.retry(&failures, "transport", err) {
			return
		}
		code = ""
	}
}

// retry counts one failure, stopping with status=error when the budget is
// spent, otherwise sleeping the backoff delay. Returns false when the run
// loop must exit.
func (a *actor) retry(failures *int, reason string, cause error) bool {
	*failures++
	a.recorder.IncReconnect(a.instanceID, reason)

	if *failures >= a.cfg.maxConsecutive {
		a.logger.Error("Giving up after %d consecutive failures: %v", *failures, cause)
		a.setState(StatusError, "", cause)
		return false
	}

	delay := a.backoffDelay(*failures)
	a.logger.Info("Retrying in %s (attempt %d/%d)", delay, *failures+1, a.cfg.maxConsecutive)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-a.ctx.Done():
		a.setState(StatusDisconnected, "", nil)
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay doubles per consecutive failure, capped at the ceiling.
func (a *actor) backoffDelay(failures int) time.Duration {
	delay := a.cfg.baseBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= a.cfg.maxBackoff {
			return a.cfg.maxBackoff
		}
	}
	if delay > a.cfg.maxBackoff {
		return a.cfg.maxBackoff
	}
	return delay
}

// awaitPairing blocks until the remote side confirms the published code,
// bounded by the pairing timeout.
func (a *actor) awaitPairing(sess Session) (bool, error) {
	timer := time.NewTimer(a.cfg.pairingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return false, context.Canceled
		case <-timer.C:
			return false, errPairingTimeout
		case ev, ok := <-sess.Events():
			if !ok {
				return false, errSessionClosed
			}
			switch ev.Kind {
			case EventPaired:
				return true, nil
			case EventClosed:
				if ev.Err != nil {
					return false, ev.Err
				}
				return false, errSessionClosed
			default:
				// Traffic before pairing confirmation is ignored.
			}
		}
	}
}

// serve pumps the outbound queue and inbound events for a paired session.
// Returns when the session dies; a nil error means the actor is stopping.
func (a *actor) serve(sess Session) error {
	for {
		select {
		case <-a.ctx.Done():
			return nil

		case msg := <-a.outbound:
			if err := sess.Send(a.ctx, msg); err != nil {
				return fmt.Errorf("outbound send failed: %w", err)
			}
			a.recorder.ObserveQueueDepth(a.instanceID, len(a.outbound))
			a.touch()

		case ev, ok := <-sess.Events():
			if !ok {
				return errSessionClosed
			}
			a.touch()
			switch ev.Kind {
			case EventMessage:
				a.handleInbound(ev)
			case EventContact:
				a.handleContact(ev)
			case EventClosed:
				if ev.Err != nil {
					return ev.Err
				}
				return errSessionClosed
			case EventPaired:
				// Duplicate confirmation, ignore.
			}
		}
	}
}

func (a *actor) handleInbound(ev Event) {
	addr := proto.Address{
		TenantID:        a.tenantID,
		InstanceID:      a.instanceID,
		CorrespondentID: ev.CorrespondentID,
	}

	if a.handler == nil {
		a.logger.Warn("No inbound handler wired, dropping message from %s", addr)
		return
	}

	a.recorder.IncInbound(a.tenantID, a.instanceID)
	replies, err := a.handler.DeliverInbound(a.ctx, addr, ev.Text)
	if err != nil {
		a.logger.Error("Inbound handling failed for %s: %v", addr, err)
		return
	}

	// Replies ride the same queue as external sends so per-correspondent
	// ordering holds.
	for _, reply := range replies {
		select {
		case a.outbound <- reply:
		default:
			a.logger.Warn("Outbound queue full, dropping reply to %s", addr)
		}
	}
}

func (a *actor) handleContact(ev Event) {
	if a.handler == nil {
		return
	}
	addr := proto.Address{
		TenantID:        a.tenantID,
		InstanceID:      a.instanceID,
		CorrespondentID: ev.CorrespondentID,
	}
	if err := a.handler.EnrichContact(a.ctx, addr, ev.DisplayName, ev.ProfileURL); err != nil {
		a.logger.Warn("Contact enrichment failed for %s: %v", addr, err)
	}
}

// enqueue places one message on the outbound queue without blocking.
func (a *actor) enqueue(msg *proto.ChatMsg) error {
	a.mu.RLock()
	status := a.status
	a.mu.RUnlock()
	if status != StatusConnected {
		return fmt.Errorf("%w: instance %s is %s", ErrNotConnected, a.instanceID, status)
	}

	select {
	case a.outbound <- msg:
		a.recorder.ObserveQueueDepth(a.instanceID, len(a.outbound))
		return nil
	default:
		return fmt.Errorf("%w: instance %s", ErrBackpressure, a.instanceID)
	}
}

// stop cancels the actor and waits for its goroutine to exit. Queued outbound
// messages are discarded.
func (a *actor) stop(ctx context.Context) error {
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for instance %s actor", a.instanceID)
	}
}

func (a *actor) stopping() bool {
	return a.ctx.Err() != nil
}

func (a *actor) setState(status Status, pairingCode string, cause error) {
	a.mu.Lock()
	a.status = status
	a.pairingCode = pairingCode
	a.lastErr = cause
	a.mu.Unlock()

	if a.notifyStatus != nil {
		a.notifyStatus(a.snapshot())
	}
}

func (a *actor) touch() {
	now := time.Now().UTC()
	a.mu.Lock()
	a.lastSeen = &now
	a.mu.Unlock()
}

// snapshot returns the current state without blocking on transport I/O.
func (a *actor) snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := State{
		InstanceID:  a.instanceID,
		TenantID:    a.tenantID,
		Status:      a.status,
		PairingCode: a.pairingCode,
		LastSeenAt:  a.lastSeen,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}
