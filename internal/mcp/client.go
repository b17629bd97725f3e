package mcp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jazzcort/nexa/internal/buildinfo"
	"github.com/jazzcort/nexa/internal/config"
	"github.com/jazzcort/nexa/internal/json"
)

// DefaultClientName is the clientInfo name and title sent at handshake.
const DefaultClientName = "Nexa MCP Client"

// maxToolPages bounds tools/list pagination.
const maxToolPages = 64

// Status is the connection state of a Client.
type Status int32

const (
	// StatusConnecting is the initial state: transport up, no handshake.
	StatusConnecting Status = iota
	// StatusConnected is reached after a successful initialize exchange.
	StatusConnected
	// StatusDisconnected is terminal.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// RequestHandler answers a server-initiated request. Returning a non-nil
// *RPCError sends a Fail response; otherwise result is sent as the
// Success payload.
type RequestHandler func(ctx context.Context, req *Request) (result any, rpcErr *RPCError)

// NotificationHandler receives server-initiated notifications. It runs on
// the listener goroutine and must not block.
type NotificationHandler func(ctx context.Context, n *Notification)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName labels the client in logs, usually with the configured
// server name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithClientInfo overrides the clientInfo sent at handshake.
func WithClientInfo(info Implementation) Option {
	return func(c *Client) { c.config.ClientInfo = info }
}

// WithCapabilities sets the capabilities advertised at handshake.
func WithCapabilities(caps ClientCapabilities) Option {
	return func(c *Client) { c.config.Capabilities = caps }
}

// WithRequestHandler installs a handler for server-initiated requests.
// Without one, every request except ping is answered with
// "Method not found".
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Client) { c.onRequest = h }
}

// WithNotificationHandler installs a handler for server notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Client) { c.onNotification = h }
}

// Client speaks MCP to a single server. Before StartListening the client
// reads replies itself; afterwards a listener goroutine owns the reader
// and routes replies to pending calls.
type Client struct {
	name           string
	writer         Writer
	logger         *slog.Logger
	config         ClientConfiguration
	onRequest      RequestHandler
	onNotification NotificationHandler

	lastID  atomic.Uint64
	pending *pendingTable

	// readerMu guards the reader hand-off. reader is nil while borrowed
	// by a synchronous exchange and after the listener takes it.
	readerMu sync.Mutex
	reader   Reader

	mu        sync.RWMutex
	status    Status
	server    ServerConfiguration
	tools     map[string]Tool
	listening bool

	ctx          context.Context
	cancel       context.CancelFunc
	listenerDone chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// Connect spawns the server subprocess described by cfg and returns a
// client in the Connecting state.
func Connect(cfg StdioConfig, opts ...Option) (*Client, error) {
	w, r, err := Spawn(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		opts = append([]Option{WithLogger(cfg.Logger)}, opts...)
	}
	return NewClient(w, r, opts...), nil
}

// ConnectHTTP returns a client in the Connecting state for a streamable
// HTTP server.
func ConnectHTTP(cfg HTTPConfig, opts ...Option) *Client {
	t := NewHTTPTransport(cfg)
	if cfg.Logger != nil {
		opts = append([]Option{WithLogger(cfg.Logger)}, opts...)
	}
	return NewClient(t, t, opts...)
}

// NewClient creates a client over an established transport. The client
// owns both halves and closes w on Close.
func NewClient(w Writer, r Reader, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		writer: w,
		reader: r,
		logger: slog.Default(),
		config: ClientConfiguration{
			ProtocolVersion: ProtocolVersion,
			ClientInfo: Implementation{
				Name:    DefaultClientName,
				Title:   DefaultClientName,
				Version: buildinfo.ClientVersion(),
			},
		},
		pending:      newPendingTable(),
		tools:        make(map[string]Tool),
		ctx:          ctx,
		cancel:       cancel,
		listenerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.name != "" {
		c.logger = c.logger.With("mcp_server", c.name)
	}
	return c
}

// Name returns the configured name, or the server's reported name when
// none was configured.
func (c *Client) Name() string {
	if c.name != "" {
		return c.name
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server.ServerInfo.Name
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ServerConfiguration returns the configuration received at handshake.
func (c *Client) ServerConfiguration() ServerConfiguration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Tools returns the discovered tools ordered by name.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Tool returns a single discovered tool.
func (c *Client) Tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Done is closed when the listener goroutine exits. It never closes if
// StartListening was not called.
func (c *Client) Done() <-chan struct{} {
	return c.listenerDone
}

// nextID allocates the next request identifier, starting at 1.
func (c *Client) nextID() Identifier {
	return NumberID(c.lastID.Add(1))
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDisconnected {
		return
	}
	c.status = s
}

// Initialize performs the MCP handshake: it sends initialize, reads the
// single reply itself, validates it, stores the server configuration,
// moves to Connected and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) error {
	if s := c.Status(); s != StatusConnecting {
		return connectionError("initialize: client is "+s.String(), nil)
	}

	resp, err := c.exchange(ctx, MethodInitialize, c.config)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return connectionError("initialization failed: "+resp.Error.Message, resp.Error)
	}

	var server ServerConfiguration
	if err := json.Unmarshal(resp.Result, &server); err != nil {
		return connectionError("incorrect server response during initialization", err)
	}

	c.mu.Lock()
	if c.status != StatusConnecting {
		s := c.status
		c.mu.Unlock()
		return connectionError("initialize: client is "+s.String(), nil)
	}
	c.server = server
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", server.ServerInfo.Name,
		"server_version", server.ServerInfo.Version,
		"protocol_version", server.ProtocolVersion,
	)
	if server.ProtocolVersion != "" && server.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("MCP server negotiated a different protocol version",
			"want", ProtocolVersion,
			"got", server.ProtocolVersion,
		)
	}

	notif, err := NewNotification(MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := c.writer.Send(notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list, following pagination cursors, and merges
// every tool into the registry by name. It returns the tools from this
// discovery run in server order.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if s := c.Status(); s != StatusConnected {
		return nil, connectionError("tools/list: client is "+s.String(), nil)
	}

	var (
		all    []Tool
		cursor string
	)
	for page := 0; ; page++ {
		if page == maxToolPages {
			return nil, connectionError(fmt.Sprintf("tools/list: more than %d pages", maxToolPages), nil)
		}

		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		resp, err := c.roundTrip(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, connectionError("tools list failed: "+resp.Error.Message, resp.Error)
		}

		var result listToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, connectionError("incorrect tools/list result", err)
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	for _, t := range all {
		c.tools[t.Name] = t
	}
	total := len(c.tools)
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all), "registry_size", total)
	return all, nil
}

// StartListening completes the handshake if needed, discovers tools and
// hands the reader to the listener goroutine. It returns once the
// listener has been started.
func (c *Client) StartListening(ctx context.Context) error {
	if c.Status() == StatusConnecting {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
	}
	if _, err := c.ListTools(ctx); err != nil {
		return err
	}

	r, err := c.takeReader()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.status != StatusConnected {
		s := c.status
		c.mu.Unlock()
		c.returnReader(r)
		return connectionError("start listening: client is "+s.String(), nil)
	}
	c.listening = true
	c.mu.Unlock()

	go c.listen(r)
	c.logger.Debug("MCP listener started")
	return nil
}

// CallTool sends tools/call and returns a handle that resolves when the
// listener matches the reply. args must encode to a JSON object. A nil
// Go value means no arguments, while encoded JSON null is rejected. An
// empty object is omitted from the request.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arguments, err := toolArguments(args)
	if err != nil {
		return nil, err
	}

	if s := c.Status(); s != StatusConnected {
		return nil, connectionError("tools/call: client is "+s.String(), nil)
	}

	call, err := c.request(MethodToolsCall, callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("MCP tool call sent", "tool", name, "id", call.ID().String())
	return call, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// StopListening signals the listener to exit. It is idempotent and does
// not close the transport. A Receive already in flight keeps running until
// the next frame or the transport closes, and that frame is dropped; call
// Close to reclaim it.
func (c *Client) StopListening() {
	c.cancel()
}

// Close stops the listener, fails outstanding calls and terminates the
// transport. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing MCP client")
		c.cancel()

		c.mu.RLock()
		listening := c.listening
		c.mu.RUnlock()

		c.closeErr = c.writer.Close()
		if listening {
			<-c.listenerDone
		}
		c.pending.close(connectionError("client closed", nil))
		c.setStatus(StatusDisconnected)
	})
	return c.closeErr
}

// callToolParams is the tools/call request payload.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolArguments validates that args is object-shaped and returns its
// encoding, or nil when there are no arguments.
func toolArguments(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}

	var raw []byte
	switch a := args.(type) {
	case json.RawMessage:
		raw = a
	case []byte:
		raw = a
	default:
		data, err := json.Marshal(args)
		if err != nil {
			return nil, ToolCallError(fmt.Sprintf("marshal arguments: %v", err))
		}
		if string(data) == "null" {
			// Nil map or pointer.
			return nil, nil
		}
		raw = data
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ToolCallError("arguments should be an object")
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, ToolCallError("arguments should be an object")
	}
	if len(members) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// request registers a pending call and then sends the request. The
// entry exists before any byte is written.
func (c *Client) request(method string, params any) (*PendingCall, error) {
	id := c.nextID()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call, err := c.pending.register(id, method)
	if err != nil {
		return nil, err
	}
	c.logger.Log(c.ctx, config.LevelTrace, "MCP frame sent", "method", method, "id", id.String(), "params", string(req.Params))
	if err := c.writer.Send(req); err != nil {
		c.pending.remove(id)
		return nil, err
	}
	return call, nil
}

// roundTrip sends a request and waits for its reply, through the
// listener when it is running and synchronously otherwise.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.RLock()
	listening := c.listening
	c.mu.RUnlock()

	if !listening {
		return c.exchange(ctx, method, params)
	}

	call, err := c.request(method, params)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// exchange performs one synchronous request/reply on the borrowed
// reader. The reply must be a Response with the expected version tag
// and identifier.
func (c *Client) exchange(ctx context.Context, method string, params any) (*Response, error) {
	r, err := c.takeReader()
	if err != nil {
		return nil, err
	}

	id := c.nextID()
	req, err := NewRequest(id, method, params)
	if err != nil {
		c.returnReader(r)
		return nil, err
	}
	c.logger.Log(ctx, config.LevelTrace, "MCP frame sent", "method", method, "id", id.String(), "params", string(req.Params))
	if err := c.writer.Send(req); err != nil {
		c.returnReader(r)
		return nil, err
	}

	frame, err := receive(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			// The abandoned read still owns the stream; the session
			// cannot continue.
			c.setStatus(StatusDisconnected)
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		c.returnReader(r)
		return nil, err
	}
	c.returnReader(r)

	if frame.Kind != FrameResponse {
		return nil, connectionError(fmt.Sprintf("%s: unexpected %s frame", method, frame.Kind), nil)
	}
	resp := frame.Response
	if resp.JSONRPC != jsonrpcVersion {
		return nil, connectionError(fmt.Sprintf("%s: incorrect JSON-RPC version %q", method, resp.JSONRPC), nil)
	}
	if resp.ID != id {
		return nil, connectionError(fmt.Sprintf("%s: incorrect response id %s, want %s", method, resp.ID, id), nil)
	}
	return resp, nil
}

// takeReader borrows the reader. It fails while another owner holds it.
func (c *Client) takeReader() (Reader, error) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()
	if c.reader == nil {
		return nil, connectionError("reader already borrowed", nil)
	}
	r := c.reader
	c.reader = nil
	return r, nil
}

func (c *Client) returnReader(r Reader) {
	c.readerMu.Lock()
	c.reader = r
	c.readerMu.Unlock()
}

type received struct {
	frame Frame
	err   error
}

// receive races a single Receive against ctx. When ctx wins, the read
// keeps running in the background and its result is dropped.
func receive(ctx context.Context, r Reader) (Frame, error) {
	ch := make(chan received, 1)
	go func() {
		f, err := r.Receive()
		ch <- received{frame: f, err: err}
	}()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case res := <-ch:
		return res.frame, res.err
	}
}
