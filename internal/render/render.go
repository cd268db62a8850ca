// Package render prints assembled transcripts to a terminal.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/MikeSquared-Agency/chorus/internal/transcript"
)

const labelWidth = 10

type palette struct {
	user, assistant, tool, system, note *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen, color.Bold),
		tool:      color.New(color.FgYellow),
		system:    color.New(color.FgMagenta),
		note:      color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.user, p.assistant, p.tool, p.system, p.note} {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) forKind(k transcript.MessageKind) *color.Color {
	switch k {
	case transcript.KindUser:
		return p.user
	case transcript.KindAssistant:
		return p.assistant
	case transcript.KindTool:
		return p.tool
	default:
		return p.system
	}
}

// Print writes one block per message followed by a stats line.
func Print(w io.Writer, res transcript.Result, noColor bool) error {
	p := newPalette(noColor)

	for _, m := range res.Messages {
		label := string(m.Kind)
		if m.Kind == transcript.KindTool && m.ToolName != "" {
			label = m.ToolName
		}
		if _, err := p.forKind(m.Kind).Fprintf(w, "%-*s ", labelWidth, label); err != nil {
			return err
		}

		lines := strings.Split(m.Text, "\n")
		fmt.Fprint(w, lines[0])
		for _, line := range lines[1:] {
			fmt.Fprintf(w, "\n%*s %s", labelWidth, "", line)
		}
		if tags := tagsFor(m); tags != "" {
			p.note.Fprintf(w, "  %s", tags)
		}
		fmt.Fprintln(w)
	}

	s := res.Stats
	_, err := p.note.Fprintf(w, "\n%d messages, replays=%d superseded=%d echoes=%d suppressed=%d streaming=%d\n",
		len(res.Messages), s.Replays, s.Superseded, s.Echoes, s.Suppressed, s.Streaming)
	return err
}

func tagsFor(m transcript.Message) string {
	var tags []string
	if m.Streaming {
		tags = append(tags, "streaming")
	}
	if m.Optimistic {
		tags = append(tags, "pending")
	}
	if m.Source != transcript.ChannelEvents && m.Source != "" {
		tags = append(tags, string(m.Source))
	}
	if len(tags) == 0 {
		return ""
	}
	return "(" + strings.Join(tags, ", ") + ")"
}
