// Package transcript turns a batch of session events into the ordered,
// deduplicated list of messages a chat surface renders.
//
// A batch may arrive out of order, contain replays, mix streamed token
// fragments with their final message, and include optimistic placeholders
// for user submissions that the server has not yet confirmed. Build is a
// pure function of its input: calling it twice with the same batch yields
// the same transcript, and nothing is retained between calls.
package transcript

import (
	"fmt"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// Input is everything a transcript is built from.
type Input struct {
	// Events is the live event batch, optimistic placeholders included.
	Events []event.Event `json:"events,omitempty"`
	// Fallback items are used only when Events holds no confirmed event.
	Fallback []map[string]any `json:"fallback,omitempty"`
	// Realtime entries are appended after everything else, undeduplicated.
	Realtime []event.RealtimeItem `json:"realtime,omitempty"`
}

// Result is a built transcript.
type Result struct {
	Messages  []Message `json:"messages"`
	Streaming bool      `json:"streaming"`
	Stats     Stats     `json:"stats"`
}

// Build orders, reconciles and assembles a batch.
func Build(in Input, p Policy) Result {
	events := in.Events
	source := ChannelEvents
	if !hasConfirmed(events) && len(in.Fallback) > 0 {
		events = fallbackEvents(in.Fallback, events)
		source = ChannelTranscript
	}

	ordered := Order(events)
	kept, stats := Reconcile(ordered, p)
	msgs, suppressed, pending := assemble(kept, source)
	stats.Suppressed = suppressed
	stats.Streaming = pending

	msgs = append(msgs, realtimeMessages(in.Realtime)...)
	if msgs == nil {
		msgs = []Message{}
	}
	return Result{
		Messages:  msgs,
		Streaming: stats.Streaming > 0,
		Stats:     stats,
	}
}

// IsStreaming reports whether any message identity in the batch has token
// fragments but no final message yet.
func IsStreaming(events []event.Event) bool {
	return len(Aggregate(events).Pending(events)) > 0
}

func hasConfirmed(events []event.Event) bool {
	for _, e := range events {
		if !e.Optimistic {
			return true
		}
	}
	return false
}

// fallbackEvents converts transcript items and keeps any placeholders so
// they can still be reconciled against the items.
func fallbackEvents(items []map[string]any, placeholders []event.Event) []event.Event {
	out := make([]event.Event, 0, len(items)+len(placeholders))
	for i, item := range items {
		if item == nil {
			continue
		}
		out = append(out, event.FromItem(item, i))
	}
	return append(out, placeholders...)
}

func realtimeMessages(items []event.RealtimeItem) []Message {
	var out []Message
	for i, item := range items {
		if item.Kind != "" && item.Kind != "text" {
			continue
		}
		text := Normalize(item.Content)
		if text == "" {
			continue
		}
		role := event.ParseRole(item.Role)
		kind := KindSystem
		switch role {
		case event.RoleUser:
			kind = KindUser
		case event.RoleAssistant:
			kind = KindAssistant
		case "":
			role = event.RoleSystem
		}
		out = append(out, Message{
			ID:     fmt.Sprintf("realtime:%d", i),
			Role:   role,
			Kind:   kind,
			Text:   text,
			Source: ChannelRealtime,
			Raw:    item,
		})
	}
	return out
}
