// Package session provides durable storage for per-correspondent conversation
// state. One record exists per (tenant, instance, correspondent) key; writers
// for the same key are serialized by the backing store.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("session not found")

	// ErrCorrupt is returned when a persisted record cannot be decoded.
	// Corrupt records are never silently reset: in-progress captured data
	// must not be erased without operator intervention.
	ErrCorrupt = errors.New("corrupt session record")
)

// Key addresses one conversation.
type Key struct {
	TenantID        string `json:"tenant_id"`
	InstanceID      string `json:"instance_id"`
	CorrespondentID string `json:"correspondent_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.InstanceID, k.CorrespondentID)
}

// Validate checks that all three identifiers are present.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if k.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if k.CorrespondentID == "" {
		return fmt.Errorf("correspondent_id is required")
	}
	return nil
}

// Flags carries boolean markers on a conversation.
type Flags struct {
	AwaitingHuman bool `json:"awaiting_human,omitempty"`
}

// Record is one conversation's durable state. State is stored as an opaque
// string; the conversation engine owns the enumeration and rejects unknown
// values on load.
type Record struct {
	Key          Key            `json:"key"`
	State        string         `json:"state"`
	CapturedData map[string]any `json:"captured_data"`
	Flags        Flags          `json:"flags"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewRecord creates a record in the given initial state with empty captured
// data.
func NewRecord(key Key, initialState string) *Record {
	return &Record{
		Key:          key,
		State:        initialState,
		CapturedData: make(map[string]any),
		UpdatedAt:    time.Now().UTC(),
	}
}

// Clone returns a deep copy. Transition functions operate on copies so a
// failed save never leaves a half-mutated record visible.
func (r *Record) Clone() *Record {
	clone := &Record{
		Key:       r.Key,
		State:     r.State,
		Flags:     r.Flags,
		UpdatedAt: r.UpdatedAt,
	}
	clone.CapturedData = make(map[string]any, len(r.CapturedData))
	for k, v := range r.CapturedData {
		clone.CapturedData[k] = v
	}
	return clone
}
