package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chorus/internal/event"
	"github.com/MikeSquared-Agency/chorus/internal/hermes"
	"github.com/MikeSquared-Agency/chorus/internal/store"
	"github.com/MikeSquared-Agency/chorus/internal/transcript"
)

// ErrInvalid marks a request the caller must fix.
var ErrInvalid = errors.New("invalid request")

// ProducerSeqKey holds the producer's sequence number in the payload of an
// ingested event that had to be moved to a fresh sequence.
const ProducerSeqKey = "producer_seq"

// ReasonManualSwitch is recorded on handoffs requested through the API.
const ReasonManualSwitch = "manual_switch"

// Publisher is the part of the hermes client the service needs.
type Publisher interface {
	Publish(subject string, data any) error
}

// Service owns session event logs and builds transcripts over them.
type Service struct {
	store  store.EventStore
	pub    Publisher
	policy transcript.Policy
	logger *slog.Logger
	now    func() time.Time

	// submit serialises the lookup-then-append of client message ids.
	submit sync.Mutex
}

// New returns a Service. pub may be nil when NATS is disabled.
func New(s store.EventStore, pub Publisher, policy transcript.Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		pub:    pub,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the reconciliation policy transcripts are built with.
func (s *Service) Policy() transcript.Policy {
	return s.policy
}

type CreateRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	AgentName  string `json:"agent_name"`
	ScenarioID string `json:"scenario_id,omitempty"`
}

// CreateSession creates a session, or returns the existing one when the id
// is already known. An empty id gets a fresh UUID.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*store.Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	sess, err := s.store.CreateSession(ctx, id, strings.TrimSpace(req.AgentName), req.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session ready", "session_id", sess.ID, "agent", sess.ActiveAgentID)
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return s.store.GetSession(ctx, id)
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Submit records a user message and asks the runtime for a turn. A repeated
// clientMessageID returns the stored event with duplicate set and appends
// nothing.
func (s *Service) Submit(ctx context.Context, sessionID, text, clientMessageID string) (e event.Event, duplicate bool, err error) {
	if strings.TrimSpace(text) == "" {
		return event.Event{}, false, fmt.Errorf("%w: text is required", ErrInvalid)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return event.Event{}, false, err
	}

	s.submit.Lock()
	defer s.submit.Unlock()

	if clientMessageID != "" {
		prev, err := s.store.LookupClientMessage(ctx, sessionID, clientMessageID)
		if err == nil {
			s.logger.Debug("duplicate submission", "session_id", sessionID, "client_message_id", clientMessageID)
			return *prev, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return event.Event{}, false, err
		}
	}

	messageID := clientMessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	e, err = s.append(ctx, event.Event{
		SessionID: sessionID,
		Kind:      event.KindMessage,
		Role:      event.RoleUser,
		MessageID: messageID,
		AgentID:   sess.ActiveAgentID,
		Text:      text,
		Final:     true,
	})
	if err != nil {
		return event.Event{}, false, err
	}
	if clientMessageID != "" {
		if err := s.store.RememberClientMessage(ctx, sessionID, clientMessageID, e); err != nil {
			return event.Event{}, false, fmt.Errorf("remember submission: %w", err)
		}
	}

	s.publish(hermes.SubjectTurnRequested, hermes.TurnRequest{
		SessionID:       sessionID,
		MessageID:       messageID,
		ClientMessageID: clientMessageID,
		AgentID:         sess.ActiveAgentID,
		ScenarioID:      sess.ScenarioID,
		Text:            text,
		Seq:             *e.Sequence,
	})
	return e, false, nil
}

// Ingest stores an event produced by the runtime. Events for unknown
// sessions open the session. A missing sequence or timestamp is assigned.
func (s *Service) Ingest(ctx context.Context, e event.Event) (event.Event, error) {
	if strings.TrimSpace(e.SessionID) == "" {
		return event.Event{}, fmt.Errorf("%w: session_id is required", ErrInvalid)
	}
	if e.Optimistic {
		return event.Event{}, fmt.Errorf("%w: optimistic events are client-side only", ErrInvalid)
	}
	if _, err := s.store.CreateSession(ctx, e.SessionID, e.AgentID, ""); err != nil {
		return event.Event{}, fmt.Errorf("open session: %w", err)
	}
	stored, err := s.append(ctx, e)
	if !errors.Is(err, store.ErrConflict) {
		return stored, err
	}

	// A locally sequenced event already holds the producer's number. Move
	// this one to the end of the log and keep the original in the payload.
	s.logger.Warn("sequence taken, reassigning",
		"session_id", e.SessionID,
		"producer_seq", *e.Sequence,
		"type", e.Kind,
	)
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[ProducerSeqKey] = *e.Sequence
	e.Data = data
	e.Sequence = nil
	return s.append(ctx, e)
}

// IngestBatch stores events for one session in order. Events without a
// session id inherit sessionID; a different one is rejected.
func (s *Service) IngestBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error) {
	for i := range events {
		if events[i].SessionID == "" {
			events[i].SessionID = sessionID
		}
		if events[i].SessionID != sessionID {
			return nil, fmt.Errorf("%w: event %d belongs to session %q", ErrInvalid, i, events[i].SessionID)
		}
	}
	stored := make([]event.Event, 0, len(events))
	for _, e := range events {
		out, err := s.Ingest(ctx, e)
		if err != nil {
			return stored, err
		}
		stored = append(stored, out)
	}
	return stored, nil
}

// SetActiveAgent switches the session's agent and records the switch as a
// handoff event.
func (s *Service) SetActiveAgent(ctx context.Context, sessionID, agent string) (event.Event, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return event.Event{}, fmt.Errorf("%w: agent_name is required", ErrInvalid)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return event.Event{}, err
	}
	if err := s.store.SetActiveAgent(ctx, sessionID, agent); err != nil {
		return event.Event{}, err
	}

	data := map[string]any{"to_agent": agent}
	if sess.ActiveAgentID != "" {
		data["from_agent"] = sess.ActiveAgentID
	}
	e, err := s.append(ctx, event.Event{
		SessionID: sessionID,
		Kind:      event.KindHandoff,
		Role:      event.RoleSystem,
		AgentID:   agent,
		Reason:    ReasonManualSwitch,
		Data:      data,
	})
	if err != nil {
		return event.Event{}, err
	}
	s.logger.Info("active agent switched", "session_id", sessionID, "from", sess.ActiveAgentID, "to", agent)
	return e, nil
}

// Events lists the stored log of a known session.
func (s *Service) Events(ctx context.Context, sessionID string, opts store.ListOptions) ([]event.Event, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []event.Event{}
	}
	return events, nil
}

// TranscriptRequest carries the client-side channels merged into a
// transcript: placeholders not yet confirmed, the runtime's own transcript
// items and the realtime voice log.
type TranscriptRequest struct {
	Optimistic []event.Event        `json:"optimistic,omitempty"`
	Realtime   []event.RealtimeItem `json:"realtime,omitempty"`
	Fallback   []map[string]any     `json:"fallback,omitempty"`
}

// Transcript builds the display transcript of a session's stored log merged
// with the request's client-side channels.
func (s *Service) Transcript(ctx context.Context, sessionID string, req TranscriptRequest) (transcript.Result, error) {
	events, err := s.Events(ctx, sessionID, store.ListOptions{})
	if err != nil {
		return transcript.Result{}, err
	}
	for _, o := range req.Optimistic {
		o.SessionID = sessionID
		o.Optimistic = true
		o.Kind = event.KindMessage
		if o.Role == "" {
			o.Role = event.RoleUser
		}
		o.Final = true
		events = append(events, o)
	}

	res := transcript.Build(transcript.Input{
		Events:   events,
		Fallback: req.Fallback,
		Realtime: req.Realtime,
	}, s.policy)

	s.logger.Debug("transcript built",
		"session_id", sessionID,
		"events", len(events),
		"messages", len(res.Messages),
		"streaming", res.Streaming,
		"replays", res.Stats.Replays,
		"superseded", res.Stats.Superseded,
		"echoes", res.Stats.Echoes,
		"suppressed", res.Stats.Suppressed,
	)
	return res, nil
}

// append assigns what the event is missing, stores it and announces it.
func (s *Service) append(ctx context.Context, e event.Event) (event.Event, error) {
	if e.Sequence == nil {
		seq, err := s.store.NextSeq(ctx, e.SessionID)
		if err != nil {
			return event.Event{}, fmt.Errorf("assign sequence: %w", err)
		}
		e.Sequence = &seq
	}
	if e.Timestamp == nil {
		ts := s.now().UnixMilli()
		e.Timestamp = &ts
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}
	s.publish(hermes.SubjectEventAppended, hermes.EventAppended{SessionID: e.SessionID, Event: e})
	return e, nil
}

func (s *Service) publish(subject string, data any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}
