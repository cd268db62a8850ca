package transcript

import "github.com/MikeSquared-Agency/chorus/internal/event"

func i64(n int64) *int64 { return &n }

func intp(n int) *int { return &n }

func msg(seq int64, role event.Role, id, text string) event.Event {
	return event.Event{
		Kind:      event.KindMessage,
		Sequence:  i64(seq),
		Role:      role,
		MessageID: id,
		Text:      text,
		Final:     true,
	}
}

func tok(seq int64, id, text string) event.Event {
	return event.Event{
		Kind:      event.KindToken,
		Sequence:  i64(seq),
		Role:      event.RoleAssistant,
		MessageID: id,
		Text:      text,
	}
}

func optimistic(id, text string, ts int64) event.Event {
	return event.Event{
		Kind:       event.KindMessage,
		Timestamp:  i64(ts),
		Role:       event.RoleUser,
		MessageID:  id,
		Text:       text,
		Final:      true,
		Optimistic: true,
	}
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
