package event

// RealtimeItem is one entry of the realtime voice channel's transcript log.
type RealtimeItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// FromItem converts a runtime conversation item, as returned when no live
// event feed is available, into an Event. The item's position stands in for
// the missing sequence number.
func FromItem(item map[string]any, pos int) Event {
	e := FromRecord(item)
	seq := int64(pos)
	e.Sequence = &seq

	switch str(item, "type") {
	case "function_call":
		e.Kind = KindToolCall
		e.Role = RoleTool
		if e.ToolName == "" {
			e.ToolName = str(item, "name")
		}
		if e.MessageID == "" {
			e.MessageID = str(item, "call_id", "id")
		}
	case "function_call_output":
		e.Kind = KindToolResult
		e.Role = RoleTool
		if e.MessageID == "" {
			e.MessageID = str(item, "call_id", "id")
		}
	case "handoff_output_item", "handoff_call_item":
		e.Kind = KindHandoff
		e.Role = RoleSystem
	default:
		e.Kind = KindMessage
		e.Final = true
		if e.MessageID == "" {
			e.MessageID = str(item, "id")
		}
		if e.Role == "" {
			e.Role = RoleAssistant
		}
	}

	// The item is its own payload; tool summaries and handoff agents are
	// read from it downstream.
	if e.Data == nil {
		e.Data = item
	}
	return e
}
