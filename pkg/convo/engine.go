package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatpilot/pkg/logx"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/notify"
	"chatpilot/pkg/session"
)

// Engine glues the pure transition function to the session store and the
// tenant configuration read model. It owns all SessionRecord mutation.
type Engine struct {
	store     session.Store
	provider  ConfigProvider
	renderer  *Renderer
	logger    *logx.Logger
	recorder  metrics.Recorder
	publisher notify.Publisher
}

// NewEngine creates a conversation engine over the given store and config
// provider.
func NewEngine(store session.Store, provider ConfigProvider) (*Engine, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to build renderer: %w", err)
	}
	return &Engine{
		store:     store,
		provider:  provider,
		renderer:  renderer,
		logger:    logx.NewLogger("convo"),
		publisher: notify.NoopPublisher{},
	}, nil
}

// WithRecorder attaches a metrics recorder for transition counting.
func (e *Engine) WithRecorder(r metrics.Recorder) *Engine {
	e.recorder = r
	return e
}

// WithPublisher attaches a broker publisher for conversation milestones.
func (e *Engine) WithPublisher(p notify.Publisher) *Engine {
	if p != nil {
		e.publisher = p
	}
	return e
}

// HandleInbound processes one inbound text for a conversation and returns the
// reply texts to send, in order.
//
// The record is created lazily in WELCOME on first contact. The transition's
// save is all-or-nothing: on save failure no replies are returned, so the
// correspondent is never told about a state the store does not hold.
func (e *Engine) HandleInbound(ctx context.Context, key session.Key, text string) ([]string, error) {
	record, err := e.store.Load(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		record = session.NewRecord(key, StateWelcome.String())
	} else if err != nil {
		// ErrCorrupt included: fatal for this correspondent until repaired.
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}

	cfg, err := e.provider.TenantConfig(ctx, key.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant config for %s: %w", key.TenantID, err)
	}

	renderer, err := e.renderer.WithOverrides(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("bad template overrides for tenant %s: %w", key.TenantID, err)
	}

	result, err := Transition(record, text, cfg, renderer, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	e.logger.DebugDomain("convo", "Transition %s: %s -> %s (%d replies)",
		key, record.State, result.Record.State, len(result.Replies))

	if err := e.store.Save(ctx, result.Record); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", key, err)
	}

	if e.recorder != nil {
		e.recorder.IncTransition(key.TenantID, record.State, result.Record.State)
	}
	e.publishMilestones(ctx, result)

	return result.Replies, nil
}

// publishMilestones emits broker events for the milestones a transition
// crossed. Best-effort: a broker outage never fails the conversation.
func (e *Engine) publishMilestones(ctx context.Context, result *Result) {
	key := result.Record.Key
	data := result.Record.CapturedData

	for _, milestone := range result.Milestones {
		event := notify.Event{
			TenantID:   key.TenantID,
			InstanceID: key.InstanceID,
			Payload:    map[string]any{"correspondent_id": key.CorrespondentID},
		}

		switch milestone {
		case MilestoneHumanTransfer:
			event.Kind = notify.EventHumanTransferRequested
		case MilestoneEnrollmentConfirmed:
			event.Kind = notify.EventEnrollmentCompleted
			event.Payload["full_name"] = data[KeyFullName]
			event.Payload["email"] = data[KeyEmail]
		case MilestoneAppointmentConfirmed:
			event.Kind = notify.EventAppointmentBooked
			event.Payload["date"] = data[KeyAppointmentDate]
			event.Payload["phone"] = data[KeyAppointmentPhone]
		default:
			continue
		}
		e.publish(ctx, event)
	}
}

func (e *Engine) publish(ctx context.Context, event notify.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish %s event: %v", event.Kind, err)
	}
}

// OperatorClose ends a human-transfer: clears the awaiting flag and resets
// the conversation to the main menu. Called by the external operator surface.
func (e *Engine) OperatorClose(ctx context.Context, key session.Key) error {
	record, err := e.store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", key, err)
	}

	record.Flags.AwaitingHuman = false
	record.State = StateMainMenu.String()
	record.UpdatedAt = time.Now().UTC()

	if err := e.store.Save(ctx, record); err != nil {
		return fmt.Errorf("failed to save session %s: %w", key, err)
	}

	e.logger.Info("Operator closed human transfer for %s", key)
	return nil
}

// EnrichContact records a display-name/profile snapshot for a correspondent.
// Creates the session lazily so enrichment can precede first contact.
func (e *Engine) EnrichContact(ctx context.Context, key session.Key, displayName, profileURL string) error {
	record, err := e.store.Load(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		record = session.NewRecord(key, StateWelcome.String())
	} else if err != nil {
		return fmt.Errorf("failed to load session %s: %w", key, err)
	}

	if displayName != "" {
		record.CapturedData[KeyContactName] = displayName
	}
	if profileURL != "" {
		record.CapturedData[KeyContactProfile] = profileURL
	}
	record.UpdatedAt = time.Now().UTC()

	if err := e.store.Save(ctx, record); err != nil {
		return fmt.Errorf("failed to save session %s: %w", key, err)
	}
	return nil
}
