package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

const (
	// SubjectOrchestratorEvent carries events produced by the agent runtime.
	SubjectOrchestratorEvent = "swarm.orchestrator.event"
	// SubjectEventAppended is published for every event chorus stores.
	SubjectEventAppended = "swarm.chorus.event.appended"
	// SubjectTurnRequested asks the runtime to run a turn for a user submission.
	SubjectTurnRequested = "swarm.chorus.turn.requested"
	SubjectRegistered    = "swarm.agent.chorus.registered"
)

// TurnRequest is published when a user submission is accepted.
type TurnRequest struct {
	SessionID       string `json:"session_id"`
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	ScenarioID      string `json:"scenario_id,omitempty"`
	Text            string `json:"text"`
	Seq             int64  `json:"seq"`
}

// EventAppended wraps a stored event for downstream subscribers.
type EventAppended struct {
	SessionID string      `json:"session_id"`
	Event     event.Event `json:"event"`
}

// Registration is announced once on startup.
type Registration struct {
	Timestamp string `json:"timestamp"`
	Port      int    `json:"port"`
	Store     string `json:"store"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("chorus"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
