package session

import (
	"context"
	"encoding/json"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// HandleOrchestratorEvent is the NATS handler for runtime events. The payload
// is one event, or an array of events, each carrying its session_id.
func (s *Service) HandleOrchestratorEvent(subject string, data []byte) {
	ctx := context.Background()

	var batch []event.Event
	if err := decodeEvents(data, &batch); err != nil {
		s.logger.Error("failed to parse orchestrator event", "subject", subject, "error", err)
		return
	}

	for _, e := range batch {
		stored, err := s.Ingest(ctx, e)
		if err != nil {
			s.logger.Error("failed to ingest orchestrator event",
				"subject", subject,
				"session_id", e.SessionID,
				"type", e.Kind,
				"error", err,
			)
			continue
		}
		s.logger.Debug("event ingested",
			"session_id", stored.SessionID,
			"seq", *stored.Sequence,
			"type", stored.Kind,
		)
	}
}

func decodeEvents(data []byte, out *[]event.Event) error {
	var many []event.Event
	if err := json.Unmarshal(data, &many); err == nil {
		*out = many
		return nil
	}
	var one event.Event
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*out = []event.Event{one}
	return nil
}
