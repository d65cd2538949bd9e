// Package proto defines the typed chat event envelope exchanged between the
// connection manager, the dispatch facade and the conversation engine.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeINBOUND  MsgType = "INBOUND"  // Message received from a correspondent
	MsgTypeOUTBOUND MsgType = "OUTBOUND" // Message to be delivered to a correspondent
	MsgTypeSTATUS   MsgType = "STATUS"   // Instance connection status change
	MsgTypePAIRING  MsgType = "PAIRING"  // Pairing code issued/confirmed/expired
	MsgTypeERROR    MsgType = "ERROR"
)

// MediaKind identifies the kind of media attached to an outbound message.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// ParseMediaKind validates and converts a string to MediaKind.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("invalid media kind: %q. Valid: image, video, audio, document", s)
	}
}

// Common payload and metadata keys used in chat messages.
const (
	// Payload keys
	KeyText        = "text"
	KeyMediaURL    = "media_url"
	KeyMediaKind   = "media_kind"
	KeyCaption     = "caption"
	KeyStatus      = "status"
	KeyPairingCode = "pairing_code"
	KeyReason      = "reason"

	// Contact enrichment keys
	KeyDisplayName = "display_name"
	KeyProfileURL  = "profile_url"

	// Metadata keys
	KeyTransportMsgID = "transport_msg_id"
	KeyCorrelationID  = "correlation_id"
)

// Address identifies one conversation: a correspondent talking to one
// tenant-owned instance. CorrespondentID may be empty for instance-level
// events (status changes, pairing).
type Address struct {
	TenantID        string `json:"tenant_id"`
	InstanceID      string `json:"instance_id"`
	CorrespondentID string `json:"correspondent_id,omitempty"`
}

func (a Address) String() string {
	if a.CorrespondentID == "" {
		return fmt.Sprintf("%s/%s", a.TenantID, a.InstanceID)
	}
	return fmt.Sprintf("%s/%s/%s", a.TenantID, a.InstanceID, a.CorrespondentID)
}

// Validate checks that the address carries the required identifiers.
func (a Address) Validate() error {
	if a.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if a.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	return nil
}

// ChatMsg is the envelope for every event flowing through the core.
type ChatMsg struct {
	ID        string            `json:"id"`
	Type      MsgType           `json:"type"`
	Addr      Address           `json:"addr"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]any    `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func NewChatMsg(msgType MsgType, addr Address) *ChatMsg {
	return &ChatMsg{
		ID:        uuid.NewString(),
		Type:      msgType,
		Addr:      addr,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
		Metadata:  make(map[string]string),
	}
}

// NewTextMsg builds an OUTBOUND text message addressed to one correspondent.
func NewTextMsg(addr Address, text string) *ChatMsg {
	msg := NewChatMsg(MsgTypeOUTBOUND, addr)
	msg.SetPayload(KeyText, text)
	return msg
}

// NewMediaMsg builds an OUTBOUND media message addressed to one correspondent.
func NewMediaMsg(addr Address, mediaURL string, kind MediaKind, caption string) *ChatMsg {
	msg := NewChatMsg(MsgTypeOUTBOUND, addr)
	msg.SetPayload(KeyMediaURL, mediaURL)
	msg.SetPayload(KeyMediaKind, string(kind))
	if caption != "" {
		msg.SetPayload(KeyCaption, caption)
	}
	return msg
}

func (msg *ChatMsg) ToJSON() ([]byte, error) {
	return json.Marshal(msg)
}

func FromJSON(data []byte) (*ChatMsg, error) {
	var msg ChatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ChatMsg: %w", err)
	}
	return &msg, nil
}

func (msg *ChatMsg) SetPayload(key string, value any) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = value
}

func (msg *ChatMsg) GetPayload(key string) (any, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	val, exists := msg.Payload[key]
	return val, exists
}

// GetText returns the text payload, or "" when absent or not a string.
func (msg *ChatMsg) GetText() string {
	val, ok := msg.GetPayload(KeyText)
	if !ok {
		return ""
	}
	text, _ := val.(string)
	return text
}

func (msg *ChatMsg) SetMetadata(key, value string) {
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[key] = value
}

func (msg *ChatMsg) GetMetadata(key string) (string, bool) {
	if msg.Metadata == nil {
		return "", false
	}
	val, exists := msg.Metadata[key]
	return val, exists
}

func (msg *ChatMsg) Clone() *ChatMsg {
	clone := &ChatMsg{
		ID:        msg.ID,
		Type:      msg.Type,
		Addr:      msg.Addr,
		Timestamp: msg.Timestamp,
	}

	// Deep copy payload
	if msg.Payload != nil {
		clone.Payload = make(map[string]any)
		for k, v := range msg.Payload {
			clone.Payload[k] = v
		}
	}

	// Deep copy metadata
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]string)
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

func (msg *ChatMsg) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if err := msg.Addr.Validate(); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeINBOUND, MsgTypeOUTBOUND, MsgTypeSTATUS, MsgTypePAIRING, MsgTypeERROR:
		return MsgType(msgType), true
	default:
		return "", false
	}
}
