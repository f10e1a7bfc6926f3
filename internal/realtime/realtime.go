// Package realtime is the push command channel: a websocket subscription to
// per-agent command events, complementing heartbeat polling. Disconnects
// trigger automatic reconnection on a fixed delay; credential changes are
// handled by replacing the whole client, never by mutating a live one.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const (
	reconnectDelay    = 5 * time.Second
	socketHeartbeat   = 30 * time.Second
	joinRef           = "1"
	commandsTopicStem = "realtime:agent_commands:agent_id=eq."
)

// Credentials identify one realtime session. Comparable so the agent can
// detect credential changes and swap the client wholesale.
type Credentials struct {
	URL     string
	AnonKey string
	AgentID string
}

// Handler receives each pending command delivered over the push channel.
type Handler func(cmd models.AgentCommand)

// Client maintains the websocket subscription for one credential set.
type Client struct {
	creds   Credentials
	handler Handler
	logger  *zap.Logger
}

// NewClient creates a realtime client. Run starts it.
func NewClient(creds Credentials, handler Handler, logger *zap.Logger) *Client {
	return &Client{creds: creds, handler: handler, logger: logger}
}

// Credentials returns the credential set this client was built with.
func (c *Client) Credentials() Credentials { return c.creds }

// Run connects and processes events until ctx is cancelled, reconnecting
// after reconnectDelay on any disconnect or dial failure.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("realtime channel disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// phoenixMessage is the channel-protocol envelope used on the wire.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// changePayload is the payload of a postgres change event.
type changePayload struct {
	Type   string              `json:"type"`
	Record models.AgentCommand `json:"record"`
}

// session runs one connect-subscribe-read cycle.
func (c *Client) session(ctx context.Context) error {
	socketURL, err := SocketURL(c.creds.URL, c.creds.AnonKey)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		return fmt.Errorf("dial realtime socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.subscribe(ctx, conn); err != nil {
		return err
	}
	c.logger.Info("realtime channel subscribed", zap.String("agent_id", c.creds.AgentID))

	// Protocol-level heartbeat keeps the subscription alive through
	// intermediaries that drop idle connections.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// subscribe joins the per-agent command topic.
func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn) error {
	join := phoenixMessage{
		Topic:   commandsTopicStem + c.creds.AgentID,
		Event:   "phx_join",
		Ref:     joinRef,
		Payload: json.RawMessage(`{"config":{"postgres_changes":[{"event":"*","schema":"public","table":"agent_commands"}]}}`),
	}
	data, err := json.Marshal(join)
	if err != nil {
		return fmt.Errorf("encode join: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(socketHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, _ := json.Marshal(phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)})
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// dispatch parses one inbound frame and hands pending commands to the
// handler. Only pending transitions are acted on; everything else is the
// controller's own bookkeeping echoing back.
func (c *Client) dispatch(data []byte) {
	var msg phoenixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("realtime frame unparseable", zap.Error(err))
		return
	}
	if msg.Event != "postgres_changes" && msg.Event != "INSERT" && msg.Event != "UPDATE" {
		return
	}

	var change changePayload
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		c.logger.Debug("realtime payload unparseable", zap.Error(err))
		return
	}
	if change.Record.ID == "" || change.Record.Status != models.CommandStatusPending {
		return
	}

	c.logger.Debug("realtime command received",
		zap.String("command_id", change.Record.ID),
		zap.String("command_type", string(change.Record.CommandType)),
	)
	c.handler(change.Record)
}

// SocketURL derives the websocket endpoint from the credential base URL.
func SocketURL(base, anonKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
