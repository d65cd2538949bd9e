package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatpilot/pkg/config"
	"chatpilot/pkg/logx"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/notify"
	"chatpilot/pkg/proto"
	"chatpilot/pkg/session"
)

// StatusStore persists instance status snapshots so a restarted process can
// tell which instances were live before. Implemented by session.SQLiteStore.
type StatusStore interface {
	SaveInstanceStatus(ctx context.Context, st *session.InstanceStatus) error
}

// Manager is the actor registry: at most one live actor per instance ID.
type Manager struct {
	cfg       *config.Config
	transport Transport
	store     StatusStore
	recorder  metrics.Recorder
	publisher notify.Publisher
	logger    *logx.Logger

	mu      sync.RWMutex
	actors  map[string]*actor
	handler InboundHandler
}

// NewManager creates a manager. store and publisher may be nil; recorder must
// not be a nil interface (a nil *metrics.PrometheusRecorder is fine).
func NewManager(cfg *config.Config, transport Transport, store StatusStore, recorder metrics.Recorder, publisher notify.Publisher) *Manager {
	if publisher == nil {
		publisher = notify.NoopPublisher{}
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		logger:    logx.NewLogger("instance-manager"),
		actors:    make(map[string]*actor),
	}
}

// SetHandler wires the inbound handler. Must be called before Connect; kept
// separate from the constructor because the dispatch facade needs the manager
// first.
func (m *Manager) SetHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect spawns the connection actor for an instance. Idempotent: while the
// instance is connecting or connected the existing actor's state (same
// pairing code included) is returned and no second actor is created.
func (m *Manager) Connect(_ context.Context, tenantID, instanceID string) (State, error) {
	if tenantID == "" || instanceID == "" {
		return State{}, fmt.Errorf("tenant and instance IDs are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.actors[instanceID]; ok {
		st := existing.snapshot()
		switch st.Status {
		case StatusConnecting, StatusConnected:
			return st, nil
		default:
			// Dead actor (error or disconnected): replace it.
			delete(m.actors, instanceID)
		}
	}

	code := newPairingCode()
	a := newActor(tenantID, instanceID, m.transport, m.handler, m.recorder, actorConfig{
		pairingTimeout: m.cfg.PairingTimeout(),
		baseBackoff:    m.cfg.BaseBackoff(),
		maxBackoff:     m.cfg.MaxBackoff(),
		maxConsecutive: m.cfg.Reconnect.MaxConsecutive,
		queueSize:      m.cfg.OutboundQueueSize,
	}, m.onStatusChange)

	// Publish the state before the goroutine runs so a Connect immediately
	// followed by GetPairingCode sees the code.
	a.status = StatusConnecting
	a.pairingCode = code
	m.actors[instanceID] = a

	go a.run(code)

	m.logger.Info("Connecting instance %s (tenant %s)", instanceID, tenantID)
	return a.snapshot(), nil
}

// Disconnect tears down the instance's actor. Queued outbound messages are
// discarded. No-op for unknown instances.
func (m *Manager) Disconnect(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	a, ok := m.actors[instanceID]
	if ok {
		delete(m.actors, instanceID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := a.stop(ctx); err != nil {
		return err
	}
	m.logger.Info("Disconnected instance %s", instanceID)
	return nil
}

// GetStatus returns the instance's current state snapshot.
func (m *Manager) GetStatus(instanceID string) (State, error) {
	m.mu.RLock()
	a, ok := m.actors[instanceID]
	m.mu.RUnlock()

	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	return a.snapshot(), nil
}

// GetPairingCode returns the pairing code currently published for the
// instance, empty unless connecting.
func (m *Manager) GetPairingCode(instanceID string) (string, error) {
	st, err := m.GetStatus(instanceID)
	if err != nil {
		return "", err
	}
	return st.PairingCode, nil
}

// Send enqueues an outbound message on the instance's queue. Fails fast with
// ErrNotConnected or ErrBackpressure; never blocks on transport I/O.
func (m *Manager) Send(_ context.Context, instanceID string, msg *proto.ChatMsg) error {
	m.mu.RLock()
	a, ok := m.actors[instanceID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: instance %s has no actor", ErrNotConnected, instanceID)
	}
	return a.enqueue(msg)
}

// List returns state snapshots for a tenant's instances, sorted by ID.
func (m *Manager) List(tenantID string) []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var states []State
	for _, a := range m.actors {
		if a.tenantID == tenantID {
			states = append(states, a.snapshot())
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].InstanceID < states[j].InstanceID
	})
	return states
}

// DefaultInstance resolves the tenant's first connected instance, by ID order
// so resolution is stable.
func (m *Manager) DefaultInstance(tenantID string) (string, error) {
	for _, st := range m.List(tenantID) {
		if st.Status == StatusConnected {
			return st.InstanceID, nil
		}
	}
	return "", fmt.Errorf("%w: tenant %s", ErrNoInstanceAvailable, tenantID)
}

// Shutdown stops all actors, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor)
	m.mu.Unlock()

	var firstErr error
	for _, a := range actors {
		if err := a.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// onStatusChange persists the snapshot, updates gauges and publishes a
// status event. Runs on the actor goroutine; everything here is best-effort.
func (m *Manager) onStatusChange(st State) {
	m.recorder.SetConnectedInstances(st.TenantID, m.connectedCount(st.TenantID))

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := m.store.SaveInstanceStatus(ctx, &session.InstanceStatus{
			InstanceID: st.InstanceID,
			TenantID:   st.TenantID,
			Status:     string(st.Status),
			LastSeenAt: st.LastSeenAt,
		})
		if err != nil {
			m.logger.Warn("Failed to persist status for %s: %v", st.InstanceID, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.publisher.Publish(ctx, notify.Event{
		Kind:       notify.EventInstanceStatusChanged,
		TenantID:   st.TenantID,
		InstanceID: st.InstanceID,
		Payload: map[string]any{
			"status":     string(st.Status),
			"last_error": st.LastError,
		},
	})
	if err != nil {
		m.logger.Warn("Failed to publish status event for %s: %v", st.InstanceID, err)
	}
}

func (m *Manager) connectedCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, a := range m.actors {
		if a.tenantID == tenantID && a.snapshot().Status == StatusConnected {
			count++
		}
	}
	return count
}
