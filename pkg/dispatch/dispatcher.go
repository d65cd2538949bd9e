// Package dispatch is the public facade of the chat core: the operations the
// external API layer calls (send text/media, instance status, operator
// close-out) and the inbound path the connection manager feeds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatpilot/pkg/config"
	"chatpilot/pkg/convo"
	"chatpilot/pkg/eventlog"
	"chatpilot/pkg/instance"
	"chatpilot/pkg/limiter"
	"chatpilot/pkg/logx"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/proto"
	"chatpilot/pkg/session"
)

// Typed errors the API layer translates into its own response shapes.
// ErrBackpressure covers both a full outbound queue and the send rate limit;
// either way the caller retries later.
var (
	ErrNotConnected        = instance.ErrNotConnected
	ErrBackpressure        = instance.ErrBackpressure
	ErrNoInstanceAvailable = instance.ErrNoInstanceAvailable
	ErrCorruptSession      = session.ErrCorrupt
	ErrNotOwned            = errors.New("instance not owned by tenant")
)

// Directory answers tenant/instance ownership checks. Implemented by the
// external CRUD layer; a nil Directory accepts everything.
type Directory interface {
	OwnsInstance(ctx context.Context, tenantID, instanceID string) (bool, error)
}

// Dispatcher wires the conversation engine, the connection manager and the
// ambient concerns (rate limiting, audit log, metrics) behind one surface.
type Dispatcher struct {
	cfg         *config.Config
	engine      *convo.Engine
	manager     *instance.Manager
	rateLimiter *limiter.Limiter
	eventLog    *eventlog.Writer
	recorder    metrics.Recorder
	directory   Directory
	logger      *logx.Logger
}

// NewDispatcher creates the facade and registers it as the manager's inbound
// handler. rateLimiter and eventLog may be nil; recorder must not be a nil
// interface (a nil *metrics.PrometheusRecorder is fine).
func NewDispatcher(cfg *config.Config, engine *convo.Engine, manager *instance.Manager,
	rateLimiter *limiter.Limiter, eventLog *eventlog.Writer, recorder metrics.Recorder) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		engine:      engine,
		manager:     manager,
		rateLimiter: rateLimiter,
		eventLog:    eventLog,
		recorder:    recorder,
		logger:      logx.NewLogger("dispatcher"),
	}
	manager.SetHandler(d)
	return d
}

// WithDirectory attaches the ownership checker.
func (d *Dispatcher) WithDirectory(dir Directory) *Dispatcher {
	d.directory = dir
	return d
}

// SendText queues a text message for a correspondent. An empty instanceID
// resolves to the tenant's default connected instance. Returns the queued
// message ID.
func (d *Dispatcher) SendText(ctx context.Context, tenantID, instanceID, correspondentID, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	addr, err := d.resolveAddress(ctx, tenantID, instanceID, correspondentID)
	if err != nil {
		return "", err
	}

	msg := proto.NewTextMsg(addr, text)
	if err := d.deliver(ctx, msg, "text"); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendMedia queues a media message. mediaKind must be one of image, video,
// audio, document.
func (d *Dispatcher) SendMedia(ctx context.Context, tenantID, instanceID, correspondentID, mediaURL, mediaKind, caption string) (string, error) {
	if mediaURL == "" {
		return "", fmt.Errorf("media_url is required")
	}
	kind, err := proto.ParseMediaKind(mediaKind)
	if err != nil {
		return "", err
	}

	addr, err := d.resolveAddress(ctx, tenantID, instanceID, correspondentID)
	if err != nil {
		return "", err
	}

	msg := proto.NewMediaMsg(addr, mediaURL, kind, caption)
	if err := d.deliver(ctx, msg, string(kind)); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// GetInstanceStatus reports the instance's connection state, pairing code
// included while connecting. Unknown instances read as disconnected.
func (d *Dispatcher) GetInstanceStatus(instanceID string) (instance.State, error) {
	st, err := d.manager.GetStatus(instanceID)
	if errors.Is(err, instance.ErrUnknownInstance) {
		return instance.State{InstanceID: instanceID, Status: instance.StatusDisconnected}, nil
	}
	return st, err
}

// ListInstances reports the state of all of a tenant's live instances.
func (d *Dispatcher) ListInstances(tenantID string) []instance.State {
	return d.manager.List(tenantID)
}

// CloseHumanTransfer is the operator close-out: automation resumes at the
// main menu for the correspondent.
func (d *Dispatcher) CloseHumanTransfer(ctx context.Context, tenantID, instanceID, correspondentID string) error {
	key := session.Key{TenantID: tenantID, InstanceID: instanceID, CorrespondentID: correspondentID}
	return d.engine.OperatorClose(ctx, key)
}

// DeliverInbound runs one inbound text through the conversation engine and
// returns the replies to send. Called by the connection manager's actors.
func (d *Dispatcher) DeliverInbound(ctx context.Context, addr proto.Address, text string) ([]*proto.ChatMsg, error) {
	d.logMessage(inboundMsg(addr, text))

	key := session.Key{TenantID: addr.TenantID, InstanceID: addr.InstanceID, CorrespondentID: addr.CorrespondentID}
	replies, err := d.engine.HandleInbound(ctx, key, text)
	if err != nil {
		return nil, fmt.Errorf("conversation failed for %s: %w", addr, err)
	}

	msgs := make([]*proto.ChatMsg, 0, len(replies))
	for _, reply := range replies {
		msg := proto.NewTextMsg(addr, reply)
		d.logMessage(msg)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// EnrichContact stores a correspondent's display name and profile snapshot.
func (d *Dispatcher) EnrichContact(ctx context.Context, addr proto.Address, displayName, profileURL string) error {
	key := session.Key{TenantID: addr.TenantID, InstanceID: addr.InstanceID, CorrespondentID: addr.CorrespondentID}
	return d.engine.EnrichContact(ctx, key, displayName, profileURL)
}

// resolveAddress picks the instance for an outbound send and verifies
// ownership.
func (d *Dispatcher) resolveAddress(ctx context.Context, tenantID, instanceID, correspondentID string) (proto.Address, error) {
	if tenantID == "" || correspondentID == "" {
		return proto.Address{}, fmt.Errorf("tenant and correspondent IDs are required")
	}

	if instanceID == "" {
		resolved, err := d.manager.DefaultInstance(tenantID)
		if err != nil {
			return proto.Address{}, err
		}
		instanceID = resolved
	} else if d.directory != nil {
		owned, err := d.directory.OwnsInstance(ctx, tenantID, instanceID)
		if err != nil {
			return proto.Address{}, fmt.Errorf("ownership check failed: %w", err)
		}
		if !owned {
			return proto.Address{}, fmt.Errorf("%w: %s/%s", ErrNotOwned, tenantID, instanceID)
		}
	}

	return proto.Address{TenantID: tenantID, InstanceID: instanceID, CorrespondentID: correspondentID}, nil
}

// deliver enforces the send rate, hands the message to the instance actor
// and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, msg *proto.ChatMsg, kind string) error {
	addr := msg.Addr

	if d.rateLimiter != nil {
		if err := d.rateLimiter.Reserve(addr.InstanceID); err != nil {
			d.recorder.ObserveSend(addr.TenantID, addr.InstanceID, kind, "throttled", 0)
			return fmt.Errorf("%w: %s", ErrBackpressure, err)
		}
	}

	start := time.Now()
	err := d.manager.Send(ctx, addr.InstanceID, msg)
	status := "queued"
	if err != nil {
		status = "error"
	}
	d.recorder.ObserveSend(addr.TenantID, addr.InstanceID, kind, status, time.Since(start))

	if err != nil {
		return err
	}
	d.logMessage(msg)
	return nil
}

// logMessage appends to the audit trail; failures are logged, never
// propagated.
func (d *Dispatcher) logMessage(msg *proto.ChatMsg) {
	if d.eventLog == nil {
		return
	}
	if err := d.eventLog.WriteMessage(msg); err != nil {
		d.logger.Warn("Failed to write event log: %v", err)
	}
}

func inboundMsg(addr proto.Address, text string) *proto.ChatMsg {
	msg := proto.NewChatMsg(proto.MsgTypeINBOUND, addr)
	msg.SetPayload(proto.KeyText, text)
	return msg
}
