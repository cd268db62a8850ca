package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// SQLite is a single-file EventStore for deployments without PostgreSQL.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps NextSeq and AppendEvent serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) CreateSession(ctx context.Context, id, activeAgent, scenarioID string) (*Session, error) {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chorus_sessions (id, active_agent_id, scenario_id, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, activeAgent, scenarioID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, active_agent_id, scenario_id, created_ms, updated_ms
		FROM chorus_sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.ActiveAgentID, &sess.ScenarioID, &sess.CreatedMS, &sess.UpdatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLite) SetActiveAgent(ctx context.Context, id, agent string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chorus_sessions SET active_agent_id = ?, updated_ms = ? WHERE id = ?`,
		agent, nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("set active agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) NextSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE chorus_sessions SET next_seq = next_seq + 1 WHERE id = ?
		RETURNING next_seq`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, e event.Event) error {
	if e.Sequence == nil {
		return fmt.Errorf("append event: missing sequence")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chorus_sessions SET next_seq = MAX(next_seq, ?), updated_ms = ? WHERE id = ?`,
		*e.Sequence, nowMS(), e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO chorus_events (session_id, seq, kind, message_id, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, seq) DO NOTHING`,
		e.SessionID, *e.Sequence, string(e.Kind), e.MessageID, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT body FROM chorus_events WHERE session_id = ? AND seq = ?`,
			e.SessionID, *e.Sequence,
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("load existing event: %w", err)
		}
		return replayOrConflict([]byte(existing), e)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) ListEvents(ctx context.Context, id string, opts ListOptions) ([]event.Event, error) {
	since := int64(-1 << 62)
	if opts.SinceSeq != nil {
		since = *opts.SinceSeq
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM chorus_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		id, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) LookupClientMessage(ctx context.Context, sessionID, clientMessageID string) (*event.Event, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM chorus_client_messages
		WHERE session_id = ? AND client_message_id = ?`,
		sessionID, clientMessageID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client message: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

func (s *SQLite) RememberClientMessage(ctx context.Context, sessionID, clientMessageID string, e event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chorus_client_messages (session_id, client_message_id, body)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, client_message_id) DO UPDATE SET body = excluded.body`,
		sessionID, clientMessageID, string(body),
	)
	if err != nil {
		return fmt.Errorf("remember client message: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chorus_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
