package eventlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// batchSize bounds how many events go to the store per call.
const batchSize = 200

// Ingester stores a batch of events for one session.
type Ingester interface {
	IngestBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error)
}

// Summary reports what an import stored.
type Summary struct {
	Path      string
	SessionID string
	Read      int
	Stored    int
	ByKind    map[event.Kind]int
}

// Importer loads exported event logs into a session.
type Importer struct {
	ingest Ingester
	logger *slog.Logger
}

func NewImporter(ingest Ingester, logger *slog.Logger) *Importer {
	return &Importer{ingest: ingest, logger: logger}
}

// ImportFile reads path and stores every event under sessionID, whatever
// session the export recorded. Optimistic placeholders in the export are
// dropped; they never belong in a stored log.
func (im *Importer) ImportFile(ctx context.Context, sessionID, path string) (Summary, error) {
	sum := Summary{Path: path, SessionID: sessionID, ByKind: make(map[event.Kind]int)}

	events, err := ParseEventsFile(path)
	if err != nil {
		return sum, fmt.Errorf("parse %s: %w", path, err)
	}
	sum.Read = len(events)

	keep := events[:0]
	for _, e := range events {
		if e.Optimistic {
			continue
		}
		e.SessionID = sessionID
		keep = append(keep, e)
	}

	for start := 0; start < len(keep); start += batchSize {
		end := min(start+batchSize, len(keep))
		stored, err := im.ingest.IngestBatch(ctx, sessionID, keep[start:end])
		for _, e := range stored {
			sum.ByKind[e.Kind]++
		}
		sum.Stored += len(stored)
		if err != nil {
			return sum, fmt.Errorf("store batch at %d: %w", start, err)
		}
	}

	im.logger.Info("event log imported",
		"path", path,
		"session_id", sessionID,
		"read", sum.Read,
		"stored", sum.Stored,
	)
	return sum, nil
}
