package transcript

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// MessageKind is how a transcript entry is rendered.
type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindTool      MessageKind = "tool"
	KindSystem    MessageKind = "system"
)

// Channel names where a transcript entry came from.
type Channel string

const (
	ChannelEvents     Channel = "events"
	ChannelTranscript Channel = "transcript"
	ChannelRealtime   Channel = "realtime"
)

// Message is one rendered transcript entry. Messages are never mutated after
// assembly.
type Message struct {
	ID         string      `json:"id"`
	Role       event.Role  `json:"role,omitempty"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text"`
	ToolName   string      `json:"tool_name,omitempty"`
	Source     Channel     `json:"source_channel"`
	Optimistic bool        `json:"optimistic,omitempty"`
	Streaming  bool        `json:"streaming,omitempty"`
	Raw        any         `json:"raw,omitempty"`
}

// Assemble turns an ordered, reconciled batch into transcript messages.
func Assemble(events []event.Event) []Message {
	msgs, _, _ := assemble(events, ChannelEvents)
	return msgs
}

type assembler struct {
	source  Channel
	agg     *Aggregator
	done    map[string]bool
	ids     map[string]int
	emitted map[string]bool
	out     []Message
}

// assemble returns the messages, how many message events were suppressed for
// lack of text, and how many identities are still streaming.
func assemble(events []event.Event, source Channel) ([]Message, int, int) {
	a := &assembler{
		source:  source,
		agg:     Aggregate(events),
		done:    terminals(events),
		ids:     make(map[string]int),
		emitted: make(map[string]bool),
	}

	suppressed := 0
	for pos, e := range events {
		switch e.Kind {
		case event.KindHandoff:
			a.handoff(e, pos)
		case event.KindToolCall, event.KindToolResult:
			a.tool(e, pos)
		case event.KindMessage:
			if !a.message(e, pos) {
				suppressed++
			}
		}
	}

	// Identities still streaming go last.
	pending := 0
	for _, id := range a.agg.Identities() {
		if a.done[id] {
			continue
		}
		pending++
		if a.emitted[id] {
			continue
		}
		text := Normalize(a.agg.Read(id))
		if text == "" {
			continue
		}
		a.emit(Message{
			ID:        a.uniqueID("stream:" + id),
			Role:      event.RoleAssistant,
			Kind:      KindAssistant,
			Text:      text,
			Streaming: true,
			Raw:       a.agg.last[id],
		})
	}
	return a.out, suppressed, pending
}

func (a *assembler) emit(m Message) {
	m.Source = a.source
	a.out = append(a.out, m)
}

// uniqueID disambiguates ids that collide within one transcript.
func (a *assembler) uniqueID(base string) string {
	n := a.ids[base]
	a.ids[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}

func eventKey(e event.Event, pos int) string {
	switch {
	case e.Sequence != nil:
		return fmt.Sprintf("%d", *e.Sequence)
	case e.MessageID != "":
		return e.MessageID
	}
	return fmt.Sprintf("pos-%d", pos)
}

func (a *assembler) handoff(e event.Event, pos int) {
	a.emit(Message{
		ID:   a.uniqueID("handoff:" + eventKey(e, pos)),
		Role: event.RoleSystem,
		Kind: KindSystem,
		Text: describeHandoff(e),
		Raw:  e,
	})
}

// describeHandoff always yields a description, falling back to a generic one.
func describeHandoff(e event.Event) string {
	from := payloadString(e.Data, "from_agent", "from", "source_agent", "previous_agent_id")
	to := payloadString(e.Data, "to_agent", "to", "target_agent", "new_agent_id")
	if to == "" {
		to = e.AgentID
	}
	reason := e.Reason
	if reason == "" {
		reason = payloadString(e.Data, "reason")
	}

	var text string
	switch {
	case from != "" && to != "":
		text = fmt.Sprintf("Handed off from %s to %s", from, to)
	case to != "":
		text = "Handed off to " + to
	case from != "":
		text = "Handed off from " + from
	default:
		text = "Agent handoff"
	}
	if reason = Normalize(reason); reason != "" {
		text += " (" + reason + ")"
	}
	return text
}

func (a *assembler) tool(e event.Event, pos int) {
	name := toolName(e)
	text := Normalize(e.Text)
	if text == "" {
		text = toolSummary(e.Data)
	}
	if text == "" {
		if e.Kind == event.KindToolCall {
			text = "Called " + name
		} else {
			text = name + " returned"
		}
	}
	a.emit(Message{
		ID:       a.uniqueID("tool:" + eventKey(e, pos)),
		Role:     event.RoleTool,
		Kind:     KindTool,
		Text:     text,
		ToolName: name,
		Raw:      e,
	})
}

func toolName(e event.Event) string {
	if e.ToolName != "" {
		return e.ToolName
	}
	if name := payloadString(e.Data, "tool_name", "tool", "name"); name != "" {
		return name
	}
	if fn, ok := e.Data["function"].(map[string]any); ok {
		if name := payloadString(fn, "name"); name != "" {
			return name
		}
	}
	return "tool"
}

func toolSummary(data map[string]any) string {
	if s := Normalize(payloadString(data, "summary", "output", "result")); s != "" {
		return s
	}
	return Extract(data)
}

// message emits a chat message and reports whether it produced any text.
func (a *assembler) message(e event.Event, pos int) bool {
	if !e.Final && e.MessageID != "" && a.done[e.MessageID] {
		// A final version of this message is in the batch.
		return true
	}

	text := a.messageText(e)
	if text == "" {
		return false
	}

	kind := KindSystem
	switch e.Role {
	case event.RoleUser:
		kind = KindUser
	case event.RoleAssistant:
		kind = KindAssistant
	}

	key := eventKey(e, pos)
	if e.MessageID != "" {
		key = e.MessageID
	}
	role := e.Role
	if role == "" {
		role = event.RoleSystem
	}

	streaming := false
	if e.MessageID != "" && e.Role != event.RoleUser {
		a.emitted[e.MessageID] = true
		streaming = !e.Final && !a.done[e.MessageID]
	}
	a.emit(Message{
		ID:         a.uniqueID(string(role) + ":" + key),
		Role:       role,
		Kind:       kind,
		Text:       text,
		Optimistic: e.Optimistic,
		Streaming:  streaming,
		Raw:        e,
	})
	return true
}

// messageText prefers the final text, then streamed fragments, then the
// display text, then whatever the extractor can find.
func (a *assembler) messageText(e event.Event) string {
	if e.Final {
		if s := displayText(e); s != "" {
			return s
		}
	}
	if e.MessageID != "" {
		if s := Normalize(a.agg.Read(e.MessageID)); s != "" {
			return s
		}
	}
	if s := Normalize(e.Text); s != "" {
		return s
	}
	return ExtractEvent(e)
}

func payloadString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
