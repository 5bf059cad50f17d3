package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// wireEnvelope mirrors the control plane's message framing.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client maintains the agent's session with the control plane: connect,
// authenticate, heartbeat, and hand every task to the runner. It reconnects
// with backoff until its context ends.
type Client struct {
	cfg          *Config
	runner       *Runner
	agentVersion string
	logger       zerolog.Logger
}

func NewClient(cfg *Config, runner *Runner, agentVersion string, logger zerolog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		runner:       runner,
		agentVersion: agentVersion,
		logger:       logger.With().Str("component", "client").Logger(),
	}
}

// Run keeps a session alive until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin.Std()
	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("session ended, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax.Std() {
			backoff = c.cfg.ReconnectMax.Std()
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer conn.CloseNow()

	sender := &wsSender{conn: conn}

	if err := c.authenticate(ctx, conn, sender); err != nil {
		return err
	}
	c.logger.Info().Msg("authenticated with control plane")

	if err := sender.Send(ctx, "node:system_info", c.systemInfo()); err != nil {
		return fmt.Errorf("send system info: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.heartbeatLoop(gctx, sender) })
	g.Go(func() error { return c.readLoop(gctx, conn, sender) })
	return g.Wait()
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, sender *wsSender) error {
	if err := sender.Send(ctx, "node:auth", map[string]string{
		"token":         c.cfg.Token,
		"agent_version": c.agentVersion,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch env.Type {
	case "server:auth:success":
		return nil
	case "server:auth:failed":
		return errors.New("control plane rejected credentials")
	default:
		return fmt.Errorf("unexpected auth reply %q", env.Type)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, sender *wsSender) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sender.Send(ctx, "heartbeat", nil); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			if err := sender.Send(ctx, "node:metrics", c.metrics()); err != nil {
				return fmt.Errorf("send metrics: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, sender *wsSender) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch env.Type {
		case "pong", "heartbeat:ack", "server:ack", "server:auth:success":
			// replies, nothing to do
		case "server:error":
			c.logger.Warn().RawJSON("payload", orEmpty(env.Payload)).Msg("control plane reported an error")
		default:
			// Everything else is a command, keyed by its task type. Long
			// operations must not stall the read loop.
			go c.runner.Handle(ctx, sender, env.Type, env.Payload)
		}
	}
}

func (c *Client) systemInfo() map[string]any {
	hostname, _ := os.Hostname()
	return map[string]any{
		"agent_version": c.agentVersion,
		"info": map[string]any{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
			"num_cpu":  runtime.NumCPU(),
		},
	}
}

func (c *Client) metrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     m.HeapAlloc,
		"gc_cycles":      m.NumGC,
		"reported_at_ms": time.Now().UnixMilli(),
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (*wireEnvelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// wsSender serializes writes; the heartbeat loop and task handlers share
// the connection.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) Send(ctx context.Context, msgType string, payload any) error {
	env := map[string]any{"type": msgType}
	if payload != nil {
		env["payload"] = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
