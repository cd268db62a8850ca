package transcript

import (
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// Policy tunes the duplicate-detection heuristics.
type Policy struct {
	// DedupWindow bounds how far apart two user messages with the same text
	// may be and still count as one submission.
	DedupWindow time.Duration `yaml:"dedup_window" json:"dedup_window"`
	// MatchOptimisticByText drops a placeholder when a confirmed user message
	// with the same text exists, even under a different identity. The window
	// does not apply.
	MatchOptimisticByText bool `yaml:"match_optimistic_by_text" json:"match_optimistic_by_text"`
	// CollapseUserEchoes drops a later confirmed user message repeating an
	// accepted one within the window. Two genuinely identical quick messages
	// are collapsed too, so this is a heuristic.
	CollapseUserEchoes bool `yaml:"collapse_user_echoes" json:"collapse_user_echoes"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		DedupWindow:           5 * time.Second,
		MatchOptimisticByText: true,
		CollapseUserEchoes:    true,
	}
}

// Stats counts what a Build dropped and why.
type Stats struct {
	Replays    int `json:"replays"`
	Superseded int `json:"superseded"`
	Echoes     int `json:"echoes"`
	Suppressed int `json:"suppressed"`
	Streaming  int `json:"streaming"`
}

// Reconcile removes replayed events, optimistic placeholders that a
// confirmed message has superseded, and echoed user submissions. The
// relative order of surviving events is preserved.
func Reconcile(events []event.Event, p Policy) ([]event.Event, Stats) {
	var stats Stats
	events = dropReplays(events, &stats)

	confirmedIDs := make(map[string]bool)
	confirmedTexts := make(map[string]bool)
	for _, e := range events {
		if e.Optimistic || e.Kind != event.KindMessage {
			continue
		}
		if e.MessageID != "" {
			confirmedIDs[e.MessageID] = true
		}
		if e.Role == event.RoleUser {
			if text := displayText(e); text != "" {
				confirmedTexts[text] = true
			}
		}
	}

	seen := make(map[string][]int64)

	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		if e.Optimistic {
			if superseded(e, confirmedIDs, confirmedTexts, p) {
				stats.Superseded++
				continue
			}
			out = append(out, e)
			continue
		}

		if p.CollapseUserEchoes && e.Kind == event.KindMessage && e.Role == event.RoleUser && e.Timestamp != nil {
			text := displayText(e)
			echo := false
			for _, prior := range seen[text] {
				if within(*e.Timestamp, prior, p.DedupWindow) {
					echo = true
					break
				}
			}
			if echo {
				stats.Echoes++
				continue
			}
			if text != "" {
				seen[text] = append(seen[text], *e.Timestamp)
			}
		}
		out = append(out, e)
	}
	return out, stats
}

// superseded reports whether a confirmed counterpart exists for a placeholder.
// A confirmed message always wins, whichever arrived first and however far
// apart the client and server clocks are.
func superseded(e event.Event, confirmedIDs, confirmedTexts map[string]bool, p Policy) bool {
	if e.MessageID != "" && confirmedIDs[e.MessageID] {
		return true
	}
	if !p.MatchOptimisticByText || e.Role != event.RoleUser {
		return false
	}
	text := displayText(e)
	return text != "" && confirmedTexts[text]
}

// dropReplays keeps the first of events delivered more than once.
func dropReplays(events []event.Event, stats *Stats) []event.Event {
	seen := make(map[string]bool, len(events))
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		key := replayKey(e)
		if key != "" {
			if seen[key] {
				stats.Replays++
				continue
			}
			seen[key] = true
		}
		out = append(out, e)
	}
	return out
}

func replayKey(e event.Event) string {
	switch {
	case e.Optimistic:
		return ""
	case e.Sequence != nil:
		return fmt.Sprintf("seq:%s:%d", e.Kind, *e.Sequence)
	case e.Kind == event.KindToken && e.MessageID != "" && e.TokenSeq != nil:
		return fmt.Sprintf("tok:%s:%d", e.MessageID, *e.TokenSeq)
	case e.Kind == event.KindMessage && e.Final && e.MessageID != "":
		return fmt.Sprintf("msg:%s:%s", e.Role, e.MessageID)
	}
	return ""
}

// displayText is the normalized text of an event as a user would see it.
func displayText(e event.Event) string {
	if s := Normalize(e.Text); s != "" {
		return s
	}
	return ExtractEvent(e)
}

func within(a, b int64, window time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return time.Duration(d)*time.Millisecond <= window
}
