package transcript

import (
	"cmp"
	"slices"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// Order returns the events sorted by sequence, then timestamp, then their
// position in the input. A missing sequence or timestamp sorts after every
// present one. The input slice is not modified.
func Order(events []event.Event) []event.Event {
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := compareOptional(events[a].Sequence, events[b].Sequence); c != 0 {
			return c
		}
		if c := compareOptional(events[a].Timestamp, events[b].Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	out := make([]event.Event, len(events))
	for i, j := range idx {
		out[i] = events[j]
	}
	return out
}

// compareOptional orders nil after any value.
func compareOptional(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}
