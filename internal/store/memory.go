package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

type memSession struct {
	meta    Session
	nextSeq int64
	events  []event.Event
	clients map[string]event.Event
}

// Memory is an in-process EventStore. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memSession)}
}

func (m *Memory) Close() {}

func (m *Memory) CreateSession(_ context.Context, id, activeAgent, scenarioID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		meta := s.meta
		return &meta, nil
	}
	now := nowMS()
	s := &memSession{
		meta: Session{
			ID:            id,
			ActiveAgentID: activeAgent,
			ScenarioID:    scenarioID,
			CreatedMS:     now,
			UpdatedMS:     now,
		},
		clients: make(map[string]event.Event),
	}
	m.sessions[id] = s
	meta := s.meta
	return &meta, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	meta := s.meta
	return &meta, nil
}

func (m *Memory) SetActiveAgent(_ context.Context, id, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.meta.ActiveAgentID = agent
	s.meta.UpdatedMS = nowMS()
	return nil
}

func (m *Memory) NextSeq(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.nextSeq++
	return s.nextSeq, nil
}

func (m *Memory) AppendEvent(_ context.Context, e event.Event) error {
	if e.Sequence == nil {
		return fmt.Errorf("append event: missing sequence")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[e.SessionID]
	if !ok {
		return ErrNotFound
	}
	seq := *e.Sequence
	i := sort.Search(len(s.events), func(i int) bool { return *s.events[i].Sequence >= seq })
	if i < len(s.events) && *s.events[i].Sequence == seq {
		if sameEvent(s.events[i], e) {
			return nil
		}
		return fmt.Errorf("%w: session %s seq %d", ErrConflict, e.SessionID, seq)
	}
	s.events = append(s.events, event.Event{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = e

	if seq > s.nextSeq {
		s.nextSeq = seq
	}
	s.meta.UpdatedMS = nowMS()
	return nil
}

func (m *Memory) ListEvents(_ context.Context, id string, opts ListOptions) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	start := 0
	if opts.SinceSeq != nil {
		since := *opts.SinceSeq
		start = sort.Search(len(s.events), func(i int) bool { return *s.events[i].Sequence > since })
	}
	end := len(s.events)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	out := make([]event.Event, end-start)
	copy(out, s.events[start:end])
	return out, nil
}

func (m *Memory) LookupClientMessage(_ context.Context, sessionID, clientMessageID string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := s.clients[clientMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) RememberClientMessage(_ context.Context, sessionID, clientMessageID string, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.clients[clientMessageID] = e
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
