package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

var (
	// ErrNotFound is returned when a session or client message is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a different event already holds the
	// appended sequence number.
	ErrConflict = errors.New("sequence already taken")
)

// Session is the metadata of one conversation.
type Session struct {
	ID            string `json:"session_id"`
	ActiveAgentID string `json:"active_agent_id"`
	ScenarioID    string `json:"scenario_id,omitempty"`
	CreatedMS     int64  `json:"created_ms"`
	UpdatedMS     int64  `json:"updated_ms"`
}

// ListOptions filters ListEvents.
type ListOptions struct {
	// SinceSeq, when set, returns only events with a greater sequence.
	SinceSeq *int64
	// Limit caps the number of events; zero means no cap.
	Limit int
}

// EventStore persists sessions and their event logs. Implementations assign
// nothing themselves: every appended event must carry a sequence number,
// and appending a sequence that already exists is a no-op when the stored
// event is the same one (a replay) and ErrConflict otherwise.
type EventStore interface {
	// CreateSession returns the existing session or creates it.
	CreateSession(ctx context.Context, id, activeAgent, scenarioID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	SetActiveAgent(ctx context.Context, id, agent string) error
	// NextSeq reserves the next sequence number for a session.
	NextSeq(ctx context.Context, id string) (int64, error)
	AppendEvent(ctx context.Context, e event.Event) error
	ListEvents(ctx context.Context, id string, opts ListOptions) ([]event.Event, error)
	LookupClientMessage(ctx context.Context, sessionID, clientMessageID string) (*event.Event, error)
	RememberClientMessage(ctx context.Context, sessionID, clientMessageID string, e event.Event) error
	DeleteSession(ctx context.Context, id string) error
	Close()
}

// Store is the PostgreSQL EventStore.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateSession(ctx context.Context, id, activeAgent, scenarioID string) (*Session, error) {
	now := nowMS()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chorus_sessions (id, active_agent_id, scenario_id, created_ms, updated_ms)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, activeAgent, scenarioID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, active_agent_id, scenario_id, created_ms, updated_ms
		FROM chorus_sessions WHERE id = $1`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.ActiveAgentID, &sess.ScenarioID, &sess.CreatedMS, &sess.UpdatedMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) SetActiveAgent(ctx context.Context, id, agent string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chorus_sessions SET active_agent_id = $1, updated_ms = $2 WHERE id = $3`,
		agent, nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("set active agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) NextSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		UPDATE chorus_sessions SET next_seq = next_seq + 1 WHERE id = $1
		RETURNING next_seq`, id).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func (s *Store) AppendEvent(ctx context.Context, e event.Event) error {
	if e.Sequence == nil {
		return fmt.Errorf("append event: missing sequence")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Keep the counter ahead of externally sequenced events.
	tag, err := tx.Exec(ctx, `
		UPDATE chorus_sessions SET next_seq = GREATEST(next_seq, $1), updated_ms = $2
		WHERE id = $3`,
		*e.Sequence, nowMS(), e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO chorus_events (session_id, seq, kind, message_id, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`,
		e.SessionID, *e.Sequence, string(e.Kind), e.MessageID, body,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing []byte
		err := tx.QueryRow(ctx, `
			SELECT body FROM chorus_events WHERE session_id = $1 AND seq = $2`,
			e.SessionID, *e.Sequence,
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("load existing event: %w", err)
		}
		return replayOrConflict(existing, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, id string, opts ListOptions) ([]event.Event, error) {
	since := int64(-1 << 62)
	if opts.SinceSeq != nil {
		since = *opts.SinceSeq
	}
	limit := int64(-1)
	if opts.Limit > 0 {
		limit = int64(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT body FROM chorus_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT CASE WHEN $3::bigint < 0 THEN NULL ELSE $3::bigint END`,
		id, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LookupClientMessage(ctx context.Context, sessionID, clientMessageID string) (*event.Event, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM chorus_client_messages
		WHERE session_id = $1 AND client_message_id = $2`,
		sessionID, clientMessageID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client message: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

func (s *Store) RememberClientMessage(ctx context.Context, sessionID, clientMessageID string, e event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chorus_client_messages (session_id, client_message_id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, client_message_id) DO UPDATE SET body = EXCLUDED.body`,
		sessionID, clientMessageID, body,
	)
	if err != nil {
		return fmt.Errorf("remember client message: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chorus_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// replayOrConflict decides what an append that hit an occupied sequence
// means: nil for a replay of the stored event, ErrConflict otherwise.
func replayOrConflict(body []byte, e event.Event) error {
	var existing event.Event
	if err := json.Unmarshal(body, &existing); err != nil {
		return fmt.Errorf("decode existing event: %w", err)
	}
	if sameEvent(existing, e) {
		return nil
	}
	return fmt.Errorf("%w: session %s seq %d", ErrConflict, e.SessionID, *e.Sequence)
}

// sameEvent compares the identity and content of two events, ignoring
// timestamps and payloads.
func sameEvent(a, b event.Event) bool {
	return a.Kind == b.Kind &&
		a.Role == b.Role &&
		a.MessageID == b.MessageID &&
		a.Text == b.Text &&
		a.Final == b.Final &&
		equalInt(a.TokenSeq, b.TokenSeq)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

var (
	_ EventStore = (*Store)(nil)
	_ EventStore = (*Memory)(nil)
	_ EventStore = (*SQLite)(nil)
)
