// Package host manages the set of connected MCP servers. It starts each
// configured server, keeps the live clients keyed by the name the server
// reports, routes tool calls to them and publishes the outcomes on the
// event bus.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jazzcort/nexa/internal/config"
	"github.com/jazzcort/nexa/internal/events"
	"github.com/jazzcort/nexa/internal/mcp"
)

// DefaultCallTimeout bounds a tool call when the caller's context has no
// deadline.
const DefaultCallTimeout = 2 * time.Minute

// InternalErrorResponse is emitted in place of a response when a tool
// call never produced one.
const InternalErrorResponse = "MCP Error: internal server error"

// errUnknownServer is returned for calls to a server that is not connected.
var errUnknownServer = mcp.ToolCallError("can't find the MCP server with the given name")

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. A nil logger keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBus sets the bus that receives connection and tool call events.
func WithBus(b *events.Bus) Option {
	return func(h *Host) { h.bus = b }
}

// WithCallTimeout overrides DefaultCallTimeout. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) { h.callTimeout = d }
}

// server is one connected MCP server.
type server struct {
	name    string
	config  config.MCPServerConfig
	client  *mcp.Client
	include map[string]bool
	exclude map[string]bool
}

// Host owns every connected MCP client.
type Host struct {
	logger      *slog.Logger
	bus         *events.Bus
	callTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*server
}

// New creates an empty host.
func New(opts ...Option) *Host {
	h := &Host{
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
		servers:     make(map[string]*server),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServerInfo summarizes a connected server.
type ServerInfo struct {
	Name         string
	Configured   string
	Transport    string
	Status       mcp.Status
	Title        string
	Version      string
	Protocol     string
	Instructions string
	Tools        int
}

// dial creates a client in the Connecting state for cfg.
func (h *Host) dial(cfg config.MCPServerConfig) (*mcp.Client, error) {
	logger := h.logger.With("server", cfg.Name)
	opts := []mcp.Option{
		mcp.WithLogger(h.logger),
		mcp.WithName(cfg.Name),
		mcp.WithNotificationHandler(func(_ context.Context, n *mcp.Notification) {
			logger.Debug("MCP notification", "method", n.Method)
		}),
	}

	if cfg.Transport() == "http" {
		return mcp.ConnectHTTP(mcp.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  h.logger,
		}, opts...), nil
	}

	env, err := cfg.Environ()
	if err != nil {
		return nil, err
	}
	return mcp.Connect(mcp.StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     env,
		Dir:     cfg.Dir,
		Logger:  h.logger,
	}, opts...)
}

// Connect starts the server described by cfg, completes the handshake and
// tool discovery, and registers the client under the server's reported
// name. A client already registered under that name is replaced and
// closed. It returns the registered name.
func (h *Host) Connect(ctx context.Context, cfg config.MCPServerConfig) (string, error) {
	client, err := h.dial(cfg)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", cfg.Name, err)
	}

	startCtx := ctx
	if cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, cfg.StartupTimeout)
		defer cancel()
	}
	if err := client.StartListening(startCtx); err != nil {
		client.Close()
		return "", fmt.Errorf("start %s: %w", cfg.Name, err)
	}

	sc := client.ServerConfiguration()
	name := sc.ServerInfo.Name
	if name == "" {
		name = cfg.Name
	}

	srv := &server{
		name:    name,
		config:  cfg,
		client:  client,
		include: toSet(cfg.Include),
		exclude: toSet(cfg.Exclude),
	}

	h.mu.Lock()
	old := h.servers[name]
	h.servers[name] = srv
	h.mu.Unlock()

	if old != nil {
		h.logger.Warn("replacing MCP server with the same name",
			"server", name,
			"previous", old.config.Name,
		)
		old.client.Close()
	}

	go h.watch(srv)

	tools := client.Tools()
	h.logger.Info("MCP server connected",
		"server", name,
		"configured", cfg.Name,
		"transport", cfg.Transport(),
		"version", sc.ServerInfo.Version,
		"tools", len(tools),
	)
	h.bus.Emit(events.SourceHost, events.KindServerConnected, map[string]any{
		"server":  name,
		"version": sc.ServerInfo.Version,
		"tools":   len(tools),
	})
	return name, nil
}

// ConnectAll connects every configured server. Failures are logged and
// joined into the returned error; the remaining servers still connect.
func (h *Host) ConnectAll(ctx context.Context, cfgs []config.MCPServerConfig) error {
	var errs []error
	for _, cfg := range cfgs {
		if _, err := h.Connect(ctx, cfg); err != nil {
			h.logger.Error("MCP server connection failed",
				"server", cfg.Name,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// watch publishes a disconnect event when the client's listener exits.
func (h *Host) watch(srv *server) {
	<-srv.client.Done()

	h.mu.RLock()
	current := h.servers[srv.name] == srv
	h.mu.RUnlock()

	h.logger.Info("MCP server disconnected", "server", srv.name, "current", current)
	h.bus.Emit(events.SourceHost, events.KindServerDisconnected, map[string]any{
		"server": srv.name,
	})
}

// Client returns the client registered under name.
func (h *Host) Client(name string) (*mcp.Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	srv, ok := h.servers[name]
	if !ok {
		return nil, false
	}
	return srv.client, true
}

// Servers describes every registered server, ordered by name.
func (h *Host) Servers() []ServerInfo {
	h.mu.RLock()
	list := make([]*server, 0, len(h.servers))
	for _, srv := range h.servers {
		list = append(list, srv)
	}
	h.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(list))
	for _, srv := range list {
		sc := srv.client.ServerConfiguration()
		infos = append(infos, ServerInfo{
			Name:         srv.name,
			Configured:   srv.config.Name,
			Transport:    srv.config.Transport(),
			Status:       srv.client.Status(),
			Title:        sc.ServerInfo.Title,
			Version:      sc.ServerInfo.Version,
			Protocol:     sc.ProtocolVersion,
			Instructions: sc.Instructions,
			Tools:        len(srv.client.Tools()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CallTool invokes tool on the named server and waits for the reply. The
// outcome is published as an mcp_response event carrying requestID and
// responseID. A server Fail reply is returned as a response, not an
// error. When no reply arrives the emitted response is
// InternalErrorResponse and the error is returned.
func (h *Host) CallTool(ctx context.Context, serverName, tool, requestID, responseID string, args any) (*mcp.Response, error) {
	client, ok := h.Client(serverName)
	if !ok {
		return nil, errUnknownServer
	}

	if h.callTimeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
			defer cancel()
		}
	}

	call, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	resp, err := call.Wait(ctx)
	if err != nil {
		h.logger.Warn("MCP tool call failed",
			"server", serverName,
			"tool", tool,
			"request_id", requestID,
			"error", err,
		)
		h.emitResponse(requestID, responseID, InternalErrorResponse)
		return nil, err
	}

	h.emitResponse(requestID, responseID, resp)
	return resp, nil
}

func (h *Host) emitResponse(requestID, responseID string, response any) {
	h.bus.Emit(events.SourceHost, events.KindMCPResponse, map[string]any{
		"requestId":  requestID,
		"responseId": responseID,
		"response":   response,
	})
}

// Disconnect closes and unregisters the named server.
func (h *Host) Disconnect(name string) error {
	h.mu.Lock()
	srv, ok := h.servers[name]
	delete(h.servers, name)
	h.mu.Unlock()

	if !ok {
		return errUnknownServer
	}
	return srv.client.Close()
}

// Close closes every client.
func (h *Host) Close() error {
	h.mu.Lock()
	list := h.servers
	h.servers = make(map[string]*server)
	h.mu.Unlock()

	var errs []error
	for name, srv := range list {
		if err := srv.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
