package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_BackendShape(t *testing.T) {
	raw := `{"session_id":"s1","seq":7,"type":"message","message_id":"m1","role":"assistant",
		"agent_id":"Concierge","text":"Hello there","final":true,"data":{"k":"v"},"timestamp_ms":1700000000000,"extra":"kept"}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, KindMessage, e.Kind)
	require.NotNil(t, e.Sequence)
	assert.Equal(t, int64(7), *e.Sequence)
	require.NotNil(t, e.Timestamp)
	assert.Equal(t, int64(1700000000000), *e.Timestamp)
	assert.Equal(t, RoleAssistant, e.Role)
	assert.Equal(t, "m1", e.MessageID)
	assert.Equal(t, "Concierge", e.AgentID)
	assert.Equal(t, "Hello there", e.Text)
	assert.True(t, e.Final)
	assert.Equal(t, "v", e.Data["k"])
	assert.Equal(t, "kept", e.Raw["extra"])
}

func TestUnmarshal_AlternateKeys(t *testing.T) {
	raw := `{"kind":"token","sequence":"3","timestamp":"2026-02-11T10:00:00Z","messageIdentity":"m2",
		"displayText":"Hel","isFinal":false,"payload":{"tool_name":"lookup"},"isOptimistic":true,"tokenSeq":4}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	assert.Equal(t, KindToken, e.Kind)
	require.NotNil(t, e.Sequence)
	assert.Equal(t, int64(3), *e.Sequence)
	require.NotNil(t, e.Timestamp)
	assert.Equal(t, time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC).UnixMilli(), *e.Timestamp)
	assert.Equal(t, "m2", e.MessageID)
	assert.Equal(t, "Hel", e.Text)
	assert.Equal(t, "lookup", e.Data["tool_name"])
	assert.True(t, e.Optimistic)
	require.NotNil(t, e.TokenSeq)
	assert.Equal(t, 4, *e.TokenSeq)
}

func TestUnmarshal_WrongFieldTypesDegrade(t *testing.T) {
	raw := `{"type":42,"seq":"abc","role":"wizard","text":["x"],"final":"yes","data":"nope"}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	assert.Equal(t, KindOther, e.Kind)
	assert.Nil(t, e.Sequence)
	assert.Equal(t, Role(""), e.Role)
	assert.Empty(t, e.Text)
	assert.False(t, e.Final)
	assert.Nil(t, e.Data)
}

func TestUnmarshal_NonObject(t *testing.T) {
	var e Event
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &e))
	assert.Error(t, json.Unmarshal([]byte(`null`), &e))
}

func TestParseKind_LifecycleTypesAreOther(t *testing.T) {
	for _, s := range []string{"log", "final", "error", "handoff_suggestion", ""} {
		assert.Equal(t, KindOther, ParseKind(s), s)
	}
	assert.Equal(t, KindHandoff, ParseKind("handoff"))
	assert.Equal(t, KindToolResult, ParseKind("tool_result"))
}

func TestNewOptimistic(t *testing.T) {
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)
	e := NewOptimistic("s1", "Hi", now)

	assert.Equal(t, KindMessage, e.Kind)
	assert.Equal(t, RoleUser, e.Role)
	assert.True(t, e.Final)
	assert.True(t, e.Optimistic)
	assert.NotEmpty(t, e.MessageID)
	require.NotNil(t, e.Timestamp)
	assert.Equal(t, now.UnixMilli(), *e.Timestamp)

	other := NewOptimistic("s1", "Hi", now)
	assert.NotEqual(t, e.MessageID, other.MessageID)
}

func TestMarshal_CanonicalKeysRoundTrip(t *testing.T) {
	seq := int64(2)
	e := Event{Kind: KindToolCall, Sequence: &seq, Role: RoleTool, ToolName: "search", Text: "q"}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, KindToolCall, back.Kind)
	assert.Equal(t, "search", back.ToolName)
	assert.Equal(t, int64(2), *back.Sequence)
}

func TestMarshal_KeepsUnknownFields(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"kind":"message","seq":1,"role":"assistant","final":true,"content":[{"type":"output_text","text":"hi"}]}`,
	), &e))
	seq := int64(9)
	e.Sequence = &seq

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, int64(9), *back.Sequence, "canonical fields win over the raw record")
	assert.Equal(t, KindMessage, back.Kind)
	assert.Contains(t, back.Raw, "content")
}

func TestFromItem(t *testing.T) {
	tests := []struct {
		name     string
		item     map[string]any
		wantKind Kind
		wantRole Role
		wantTool string
	}{
		{
			name:     "user message",
			item:     map[string]any{"type": "message", "role": "user", "content": "hi"},
			wantKind: KindMessage,
			wantRole: RoleUser,
		},
		{
			name:     "message without role",
			item:     map[string]any{"type": "message", "content": "hello"},
			wantKind: KindMessage,
			wantRole: RoleAssistant,
		},
		{
			name:     "function call",
			item:     map[string]any{"type": "function_call", "name": "get_weather", "arguments": `{"city":"Oslo"}`},
			wantKind: KindToolCall,
			wantRole: RoleTool,
			wantTool: "get_weather",
		},
		{
			name:     "function call output",
			item:     map[string]any{"type": "function_call_output", "call_id": "c1", "output": "12C"},
			wantKind: KindToolResult,
			wantRole: RoleTool,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromItem(tt.item, i)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.wantRole, e.Role)
			assert.Equal(t, tt.wantTool, e.ToolName)
			require.NotNil(t, e.Sequence)
			assert.Equal(t, int64(i), *e.Sequence)
			assert.NotNil(t, e.Data)
		})
	}
}
