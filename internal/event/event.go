package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the display-relevant category of an Event.
type Kind string

const (
	KindMessage    Kind = "message"
	KindToken      Kind = "token"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindHandoff    Kind = "handoff"
	KindOther      Kind = "other"
)

// Role is who produced an Event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Event is one record of a session's turn stream. Producers populate it
// inconsistently, so every field is optional.
type Event struct {
	SessionID  string         `json:"session_id,omitempty"`
	Kind       Kind           `json:"type"`
	Sequence   *int64         `json:"seq,omitempty"`
	Timestamp  *int64         `json:"timestamp_ms,omitempty"`
	Role       Role           `json:"role,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	TokenSeq   *int           `json:"token_seq,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Text       string         `json:"text,omitempty"`
	Final      bool           `json:"final,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Optimistic bool           `json:"optimistic,omitempty"`

	// Raw is the decoded wire record, unknown fields included.
	Raw map[string]any `json:"-"`
}

// NewOptimistic builds the local placeholder shown for a user submission
// before the server has confirmed it.
func NewOptimistic(sessionID, text string, now time.Time) Event {
	ts := now.UnixMilli()
	return Event{
		SessionID:  sessionID,
		Kind:       KindMessage,
		Timestamp:  &ts,
		Role:       RoleUser,
		MessageID:  uuid.NewString(),
		Text:       text,
		Final:      true,
		Optimistic: true,
	}
}

// UnmarshalJSON decodes any JSON object into an Event. Fields with
// unexpected types are left at their zero value rather than failing.
func (e *Event) UnmarshalJSON(data []byte) error {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("decode event: not an object")
	}
	*e = FromRecord(rec)
	return nil
}

// MarshalJSON writes the canonical fields over the raw record, so fields
// only the text extractor understands survive a store round trip.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	canon, err := json.Marshal(wire(e))
	if err != nil || len(e.Raw) == 0 {
		return canon, err
	}
	var fields map[string]any
	if err := json.Unmarshal(canon, &fields); err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(e.Raw)+len(fields))
	for k, v := range e.Raw {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// FromRecord maps a loosely shaped record onto an Event, accepting the
// alternate key names the different producers use.
func FromRecord(rec map[string]any) Event {
	e := Event{
		SessionID:  str(rec, "session_id", "sessionId"),
		Kind:       ParseKind(str(rec, "type", "kind")),
		Sequence:   integer(rec, "seq", "sequence"),
		Timestamp:  millis(rec, "timestamp_ms", "timestamp"),
		Role:       ParseRole(str(rec, "role")),
		MessageID:  str(rec, "message_id", "messageId", "messageIdentity", "item_id"),
		AgentID:    str(rec, "agent_id", "agentId"),
		Text:       str(rec, "text", "displayText", "delta"),
		Final:      boolean(rec, "final", "isFinal"),
		Reason:     str(rec, "reason"),
		ToolName:   str(rec, "tool_name", "toolName", "tool"),
		Data:       object(rec, "data", "payload"),
		Optimistic: boolean(rec, "optimistic", "isOptimistic"),
		Raw:        rec,
	}
	if ts := integer(rec, "token_seq", "tokenSeq"); ts != nil {
		n := int(*ts)
		e.TokenSeq = &n
	}
	return e
}

// ParseKind maps wire type names onto the display kinds. Lifecycle and
// diagnostic types such as "log" or "error" become KindOther.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindMessage, KindToken, KindToolCall, KindToolResult, KindHandoff:
		return Kind(s)
	}
	return KindOther
}

// ParseRole returns the role, or "" when s is not a known role.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return Role(s)
	}
	return ""
}

func str(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func boolean(rec map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := rec[k].(bool); ok {
			return b
		}
	}
	return false
}

func object(rec map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m, ok := rec[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func integer(rec map[string]any, keys ...string) *int64 {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case float64:
			n := int64(v)
			return &n
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return &n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

// millis reads an epoch-millisecond value, also accepting RFC 3339 strings.
func millis(rec map[string]any, keys ...string) *int64 {
	if n := integer(rec, keys...); n != nil {
		return n
	}
	for _, k := range keys {
		if s, ok := rec[k].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				ms := t.UnixMilli()
				return &ms
			}
		}
	}
	return nil
}
