package transcript

import (
	"strings"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// Aggregator accumulates streamed token fragments per message identity. It
// is built fresh from each batch; nothing carries over between batches.
type Aggregator struct {
	text  map[string]*strings.Builder
	last  map[string]event.Event
	order []string
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		text: make(map[string]*strings.Builder),
		last: make(map[string]event.Event),
	}
}

// Aggregate folds every token event of an ordered batch into a new Aggregator.
func Aggregate(events []event.Event) *Aggregator {
	a := NewAggregator()
	for _, e := range events {
		a.Ingest(e)
	}
	return a
}

// Ingest appends the fragment carried by a token event. Other events and
// tokens without an identity are ignored.
func (a *Aggregator) Ingest(e event.Event) {
	if e.Kind != event.KindToken || e.MessageID == "" {
		return
	}
	frag := e.Text
	if frag == "" {
		frag = extractRaw(e.Raw)
	}
	if frag == "" {
		frag = extractRaw(e.Data)
	}

	sb, ok := a.text[e.MessageID]
	if !ok {
		sb = &strings.Builder{}
		a.text[e.MessageID] = sb
		a.order = append(a.order, e.MessageID)
	}
	sb.WriteString(frag)
	a.last[e.MessageID] = e
}

// Read returns the accumulated text for an identity, or "".
func (a *Aggregator) Read(id string) string {
	if sb, ok := a.text[id]; ok {
		return sb.String()
	}
	return ""
}

// Identities lists identities with fragments in order of first fragment.
func (a *Aggregator) Identities() []string {
	return append([]string(nil), a.order...)
}

// Pending lists identities that have fragments but no terminal message in
// events.
func (a *Aggregator) Pending(events []event.Event) []string {
	done := terminals(events)
	var out []string
	for _, id := range a.order {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

// HasTerminal reports whether events contain a final message for id.
// User messages never terminate a stream: the runtime reuses the client's
// message id for the assistant reply, and fragments are always assistant
// output.
func HasTerminal(id string, events []event.Event) bool {
	return terminals(events)[id]
}

func terminals(events []event.Event) map[string]bool {
	done := make(map[string]bool)
	for _, e := range events {
		if e.Kind == event.KindMessage && e.Final && e.MessageID != "" && e.Role != event.RoleUser {
			done[e.MessageID] = true
		}
	}
	return done
}
