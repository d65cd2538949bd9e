package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpilot/pkg/config"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/proto"
)

type mockSession struct {
	events   chan Event
	sent     chan *proto.ChatMsg
	sendGate chan struct{} // non-nil: Send blocks until closed
}

func newMockSession() *mockSession {
	return &mockSession{
		events: make(chan Event, 16),
		sent:   make(chan *proto.ChatMsg, 64),
	}
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) Send(ctx context.Context, msg *proto.ChatMsg) error {
	if s.sendGate != nil {
		select {
		case <-s.sendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.sent <- msg
	return nil
}

func (s *mockSession) Close() error { return nil }

type mockTransport struct {
	mu       sync.Mutex
	opens    int
	codes    []string
	openErr  error
	autoPair bool
	sendGate chan struct{}
	sessions []*mockSession
}

func (t *mockTransport) Open(_ context.Context, _, _, pairingCode string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opens++
	t.codes = append(t.codes, pairingCode)
	if t.openErr != nil {
		return nil, t.openErr
	}

	s := newMockSession()
	s.sendGate = t.sendGate
	if t.autoPair {
		s.events <- Event{Kind: EventPaired}
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *mockTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *mockTransport) lastSession() *mockSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

func (t *mockTransport) seenCodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.codes...)
}

type mockHandler struct {
	mu       sync.Mutex
	inbound  []string
	contacts []string
	replies  []*proto.ChatMsg
}

func (h *mockHandler) DeliverInbound(_ context.Context, addr proto.Address, text string) ([]*proto.ChatMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = append(h.inbound, text)
	if len(h.replies) > 0 {
		return h.replies, nil
	}
	return []*proto.ChatMsg{proto.NewTextMsg(addr, "echo: "+text)}, nil
}

func (h *mockHandler) EnrichContact(_ context.Context, _ proto.Address, displayName, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contacts = append(h.contacts, displayName)
	return nil
}

func testManagerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Transport.PairingTimeoutSec = 1
	cfg.Reconnect.BaseBackoffMs = 1
	cfg.Reconnect.MaxBackoffSec = 1
	cfg.Reconnect.MaxConsecutive = 2
	cfg.OutboundQueueSize = 2
	return cfg
}

func newTestManager(t *testing.T, transport Transport) *Manager {
	t.Helper()
	m := NewManager(testManagerConfig(t), transport, nil, (*metrics.PrometheusRecorder)(nil), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitForStatus(t *testing.T, m *Manager, instanceID string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.GetStatus(instanceID)
		return err == nil && st.Status == want
	}, 3*time.Second, 5*time.Millisecond, "instance %s never reached %s", instanceID, want)
}

func TestConnectPairsAndConnects(t *testing.T) {
	transport := &mockTransport{autoPair: true}
	m := newTestManager(t, transport)

	st, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, st.Status)
	assert.NotEmpty(t, st.PairingCode)

	waitForStatus(t, m, "inst-1", StatusConnected)

	st, err = m.GetStatus("inst-1")
	require.NoError(t, err)
	assert.Empty(t, st.PairingCode, "pairing code is cleared once connected")
}

func TestConnectIsIdempotentWhileConnecting(t *testing.T) {
	// Pairing never confirms, so the instance stays connecting.
	transport := &mockTransport{}
	m := newTestManager(t, transport)

	first, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	require.Equal(t, StatusConnecting, first.Status)

	second, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, second.Status)
	assert.Equal(t, first.PairingCode, second.PairingCode, "same pairing code for both calls")

	assert.Len(t, m.List("acme"), 1, "no duplicate actor")
	assert.LessOrEqual(t, transport.openCount(), 1)
}

func TestSendRequiresConnected(t *testing.T) {
	transport := &mockTransport{}
	m := newTestManager(t, transport)

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)

	msg := proto.NewTextMsg(proto.Address{TenantID: "acme", InstanceID: "inst-1", CorrespondentID: "c1"}, "hi")
	err = m.Send(context.Background(), "inst-1", msg)
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = m.Send(context.Background(), "inst-2", msg)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSendBackpressureOnFullQueue(t *testing.T) {
	gate := make(chan struct{})
	transport := &mockTransport{autoPair: true, sendGate: gate}
	m := newTestManager(t, transport)
	defer close(gate)

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	waitForStatus(t, m, "inst-1", StatusConnected)

	addr := proto.Address{TenantID: "acme", InstanceID: "inst-1", CorrespondentID: "c1"}

	// Queue size is 2; the actor drains at most one message into the gated
	// Send. Keep enqueueing until the queue rejects.
	require.Eventually(t, func() bool {
		return errors.Is(m.Send(context.Background(), "inst-1", proto.NewTextMsg(addr, "x")), ErrBackpressure)
	}, 3*time.Second, 5*time.Millisecond)
}

func TestDisconnectTearsDownActor(t *testing.T) {
	transport := &mockTransport{autoPair: true}
	m := newTestManager(t, transport)

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	waitForStatus(t, m, "inst-1", StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Disconnect(ctx, "inst-1"))

	_, err = m.GetStatus("inst-1")
	assert.True(t, errors.Is(err, ErrUnknownInstance))

	// Disconnecting again is a no-op.
	require.NoError(t, m.Disconnect(ctx, "inst-1"))
}

func TestReconnectGivesUpAfterConsecutiveFailures(t *testing.T) {
	transport := &mockTransport{openErr: errors.New("gateway unreachable")}
	m := newTestManager(t, transport)

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)

	waitForStatus(t, m, "inst-1", StatusError)

	st, err := m.GetStatus("inst-1")
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "gateway unreachable")
	opens := transport.openCount()
	assert.Equal(t, 2, opens, "retry stops at the consecutive failure budget")

	// Automatic retry has stopped; an explicit Connect starts over.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, opens, transport.openCount())

	st, err = m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, st.Status)
}

func TestPairingTimeoutPublishesFreshCode(t *testing.T) {
	transport := &mockTransport{} // never confirms pairing
	m := newTestManager(t, transport)

	cfg := testManagerConfig(t)
	cfg.Reconnect.MaxConsecutive = 3
	m.cfg = cfg

	first, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return transport.openCount() >= 2
	}, 5*time.Second, 10*time.Millisecond, "second pairing attempt never started")

	codes := transport.seenCodes()
	assert.Equal(t, first.PairingCode, codes[0])
	assert.NotEqual(t, codes[0], codes[1], "timed-out pairing code must be replaced")
}

func TestInboundRepliesGoThroughOutboundQueue(t *testing.T) {
	transport := &mockTransport{autoPair: true}
	handler := &mockHandler{}
	m := newTestManager(t, transport)
	m.SetHandler(handler)

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	waitForStatus(t, m, "inst-1", StatusConnected)

	sess := transport.lastSession()
	require.NotNil(t, sess)
	sess.events <- Event{Kind: EventMessage, CorrespondentID: "5511999998888", Text: "oi"}

	select {
	case reply := <-sess.sent:
		assert.Equal(t, "echo: oi", reply.GetText())
		assert.Equal(t, "5511999998888", reply.Addr.CorrespondentID)
	case <-time.After(3 * time.Second):
		t.Fatal("reply never reached the transport")
	}

	sess.events <- Event{Kind: EventContact, CorrespondentID: "5511999998888", DisplayName: "Ana"}
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.contacts) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTransportFailureTriggersReconnect(t *testing.T) {
	transport := &mockTransport{autoPair: true}
	m := newTestManager(t, transport)

	cfg := testManagerConfig(t)
	cfg.Reconnect.MaxConsecutive = 5
	m.cfg = cfg

	_, err := m.Connect(context.Background(), "acme", "inst-1")
	require.NoError(t, err)
	waitForStatus(t, m, "inst-1", StatusConnected)

	transport.lastSession().events <- Event{Kind: EventClosed, Err: errors.New("socket reset")}

	require.Eventually(t, func() bool {
		return transport.openCount() >= 2
	}, 3*time.Second, 5*time.Millisecond)
	waitForStatus(t, m, "inst-1", StatusConnected)
}

func TestDefaultInstanceResolution(t *testing.T) {
	transport := &mockTransport{autoPair: true}
	m := newTestManager(t, transport)

	_, err := m.DefaultInstance("acme")
	assert.True(t, errors.Is(err, ErrNoInstanceAvailable))

	_, err = m.Connect(context.Background(), "acme", "inst-b")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "acme", "inst-a")
	require.NoError(t, err)
	waitForStatus(t, m, "inst-a", StatusConnected)
	waitForStatus(t, m, "inst-b", StatusConnected)

	id, err := m.DefaultInstance("acme")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", id, "lowest connected instance ID wins")

	_, err = m.DefaultInstance("other-tenant")
	assert.True(t, errors.Is(err, ErrNoInstanceAvailable))
}
