package retell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/retell-client/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EventHandler func(event *Event)

type ErrorHandler func(err error)

// CallClient is the surface the manager owns: start and stop calls,
// observe events and errors, and retarget the service endpoint.
type CallClient interface {
	StartCall(ctx context.Context, opts StartCallOptions) error
	StopCall(ctx context.Context) error
	SetEndpoint(endpoint string) error
	RegisterEventHandler(handler EventHandler) error
	RegisterErrorHandler(handler ErrorHandler) error
	SetMuted(muted bool) error
	State() *CallStateTracker
	Done() <-chan struct{}
	Close() error
}

// StartCallOptions select the agent a call is placed against.
type StartCallOptions struct {
	AgentId    string
	SampleRate int
}

// ClientConfig configures a WebClient.
type ClientConfig struct {
	ApiKey        string
	Debug         bool
	TokenProvider TokenProvider
	// Endpoint overrides the default service base URL when non-empty.
	Endpoint string
}

// WebClient talks to the call service over its event websocket. One
// client carries at most one call at a time.
type WebClient struct {
	logger   shared.LoggerAdapter
	endpoint *url.URL
	apiKey   string
	debug    bool
	tokens   TokenProvider
	tracker  *CallStateTracker

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	eh      EventHandler
	errh    ErrorHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ CallClient = (*WebClient)(nil)

func NewWebClient(ctx context.Context, logger shared.LoggerAdapter, cfg ClientConfig) (c *WebClient, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.ApiKey == "" {
		return nil, shared.ErrMissingCredential
	}
	if cfg.TokenProvider == nil {
		return nil, shared.ErrNoTokenProvider
	}
	var endpoint *url.URL
	if cfg.Endpoint != "" {
		endpoint, err = url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint: %w", err)
		}
	} else {
		endpoint = &url.URL{
			Scheme: "https",
			Host:   "api.retellai.com",
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &WebClient{
		logger:   logger,
		endpoint: endpoint,
		apiKey:   cfg.ApiKey,
		debug:    cfg.Debug,
		tokens:   cfg.TokenProvider,
		tracker:  NewCallStateTracker(),
		ctx:      ctx,
		cancel:   cancel,
	}
	return c, nil
}

func (c *WebClient) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

func (c *WebClient) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *WebClient) State() *CallStateTracker {
	return c.tracker
}

func (c *WebClient) SetEndpoint(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrCallAlreadyActive
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("endpoint must be absolute: %s", endpoint)
	}
	c.endpoint = parsed
	return nil
}

func (c *WebClient) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrCallAlreadyActive
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	return nil
}

func (c *WebClient) RegisterErrorHandler(handler ErrorHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrCallAlreadyActive
	}
	if c.errh != nil {
		return shared.ErrErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.errh = handler
	return nil
}

// wsEndpoint maps the HTTP endpoint to its websocket counterpart and
// appends the per-call token path segment.
func (c *WebClient) wsEndpoint(token string) string {
	ws := *c.endpoint
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	}
	return ws.JoinPath("audio-websocket", token).String()
}

func (c *WebClient) StartCall(ctx context.Context, opts StartCallOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	if c.running {
		return shared.ErrCallAlreadyActive
	}
	if opts.AgentId == "" {
		return errors.New("agent ID is required")
	}
	c.tracker.SetStatus(CallStatusConnecting)
	token, err := c.tokens(ctx, opts.AgentId)
	if err != nil {
		c.tracker.SetError(err.Error())
		return fmt.Errorf("obtaining call token: %w", err)
	}
	target := c.wsEndpoint(token)
	if c.debug {
		c.logger.Debug(
			"dialing call websocket",
			zap.String("agentId", opts.AgentId),
			zap.Int("sampleRate", opts.SampleRate),
		)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		c.tracker.SetError(err.Error())
		c.logger.Error("dialing call websocket", err, zap.String("agentId", opts.AgentId))
		return fmt.Errorf("dialing call websocket: %w", err)
	}
	c.conn = conn
	c.running = true
	go c.readLoop(conn)
	return nil
}

func (c *WebClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.running = false
		}
		c.mu.Unlock()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			running := c.running
			c.mu.Unlock()
			if !running || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// A call that already errored keeps its error state.
				if c.tracker.Status() != CallStatusError {
					c.tracker.SetStatus(CallStatusEnded)
				}
				return
			}
			c.logger.Error("reading from call websocket", err)
			c.tracker.SetError(err.Error())
			c.reportError(fmt.Errorf("reading from call websocket: %w", err))
			return
		}
		event := new(Event)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Error(
				"can not unmarshal event",
				err,
				zap.ByteString("data", data),
			)
			continue
		}
		if c.debug {
			c.logger.Debug("received event", zap.String("type", string(event.Type)))
		}
		c.tracker.Apply(event)
		if p, ok := event.Param.(*EventParamError); ok {
			c.reportError(fmt.Errorf("call service reported an error: %s", p.Message))
		}
		c.dispatch(event)
	}
}

func (c *WebClient) dispatch(event *Event) {
	c.mu.Lock()
	eh := c.eh
	c.mu.Unlock()
	if eh != nil {
		eh(event)
	}
}

func (c *WebClient) reportError(err error) {
	c.mu.Lock()
	errh := c.errh
	c.mu.Unlock()
	if errh != nil {
		errh(err)
	}
}

// SetMuted flags the microphone state. The flag is forwarded to the
// service so the agent stops listening while muted.
func (c *WebClient) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.conn == nil {
		return shared.ErrNoCallActive
	}
	kind := "unmute"
	if muted {
		kind = "mute"
	}
	msg, err := sonic.Marshal(map[string]any{"type": kind})
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", kind, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("sending %s message: %w", kind, err)
	}
	c.tracker.SetMuted(muted)
	return nil
}

func closeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(5 * time.Second)
}

func (c *WebClient) StopCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.conn == nil {
		return shared.ErrNoCallActive
	}
	c.running = false
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call stopped"),
		closeDeadline(ctx),
	)
	if err != nil {
		c.logger.Warn("sending close message failed", zap.Error(err))
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("closing call websocket failed", zap.Error(err))
	}
	c.conn = nil
	c.tracker.SetStatus(CallStatusEnded)
	return nil
}

func (c *WebClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.running = false
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("closing call websocket failed", zap.Error(err))
		}
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel(shared.ErrClientClosed)
		c.cancel = nil
	}
	return nil
}
