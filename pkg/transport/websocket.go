package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// ToolsPath is where a Server accepts executor connections.
const ToolsPath = "/tools"

// Server exposes a page-side Handler over WebSocket. Each connection is
// served sequentially: one EXECUTE_TOOL at a time, answered with a
// TOOL_RESULT carrying the same id.
type Server struct {
	handler  Handler
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a Server for h.
func NewServer(h Handler) *Server {
	return &Server{
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// The link is meant for localhost agents.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		transportLog.Warnf("websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	transportLog.Infof("executor link connected from %s", r.RemoteAddr)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				transportLog.Debugf("executor link read ended: %v", err)
			}
			return
		}
		if env.Type != MsgExecuteTool || env.Call == nil {
			transportLog.Warnf("ignoring %s frame on executor link", env.Type)
			continue
		}

		res := s.handler(ctx, ExecuteRequest{
			TabID:  env.TabID,
			RunID:  env.RunID,
			StepID: env.StepID,
			Call:   *env.Call,
		})
		reply := Envelope{Type: MsgToolResult, ID: env.ID, RunID: env.RunID, StepID: env.StepID, Result: &res}
		if err := conn.WriteJSON(reply); err != nil {
			transportLog.Warnf("failed to write tool result: %v", err)
			return
		}
	}
}

// Close terminates all live connections and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Client is a Dispatcher over one WebSocket connection to a Server.
// Concurrent Execute calls are correlated by request id.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan automation.ToolResult
	closed  bool
	err     error

	done chan struct{}
}

// Dial connects to a Server. A bare http(s) base URL is converted to ws(s)
// and ToolsPath is appended when no path is given.
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (*Client, error) {
	wsURL := websocketURL(rawURL)
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	//nolint:bodyclose // the upgrade response body is owned by gorilla/websocket
	conn, _, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan automation.ToolResult),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	transportLog.Infof("connected to executor at %s", wsURL)
	return c, nil
}

func websocketURL(raw string) string {
	u := strings.TrimSuffix(raw, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if !strings.Contains(rest, "/") {
		u += ToolsPath
	}
	return u
}

// Execute sends req and waits for the matching TOOL_RESULT.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (automation.ToolResult, error) {
	id := uuid.NewString()
	ch := make(chan automation.ToolResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return automation.ToolResult{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	call := req.Call
	env := Envelope{Type: MsgExecuteTool, ID: id, TabID: req.TabID, RunID: req.RunID, StepID: req.StepID, Call: &call}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return automation.ToolResult{}, fmt.Errorf("send %s: %w", MsgExecuteTool, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return automation.ToolResult{}, ErrTimeout
	case <-ctx.Done():
		return automation.ToolResult{}, ctx.Err()
	case <-c.done:
		return automation.ToolResult{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			transportLog.Warnf("malformed frame from executor: %v", err)
			continue
		}
		if env.Type != MsgToolResult || env.Result == nil {
			continue
		}

		c.mu.Lock()
		ch := c.pending[env.ID]
		c.mu.Unlock()
		if ch == nil {
			transportLog.Debugf("late result for %s dropped", env.ID)
			continue
		}
		select {
		case ch <- *env.Result:
		default:
		}
	}
}

// Err reports why the link went down, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection and waits for the reader to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
