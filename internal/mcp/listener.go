package mcp

import (
	"context"
	"time"

	"github.com/jazzcort/nexa/internal/config"
	"github.com/jazzcort/nexa/internal/json"
)

// refreshTimeout bounds a tools/list re-discovery triggered by a
// list_changed notification.
const refreshTimeout = 30 * time.Second

// listen owns r until it exits. Any receive error ends the loop, after
// which the client is Disconnected and every outstanding call fails.
func (c *Client) listen(r Reader) {
	defer close(c.listenerDone)

	var cause error
	for {
		frame, err := receive(c.ctx, r)
		if c.ctx.Err() != nil {
			// Cancellation wins even when a frame arrived at the same
			// moment; the frame is not processed.
			c.logger.Debug("MCP listener cancelled")
			break
		}
		if err != nil {
			cause = err
			c.logger.Warn("MCP listener stopped", "error", err)
			break
		}
		c.dispatch(frame)
	}

	c.setStatus(StatusDisconnected)
	if n := c.pending.close(connectionError("connection closed", cause)); n > 0 {
		c.logger.Debug("failed outstanding MCP calls", "count", n)
	}
}

func (c *Client) dispatch(frame Frame) {
	c.logger.Log(c.ctx, config.LevelTrace, "MCP frame received", "kind", frame.Kind.String())

	switch frame.Kind {
	case FrameResponse:
		if !c.pending.resolve(frame.Response) {
			c.logger.Debug("discarding unmatched MCP response", "id", frame.Response.ID.String())
		}
	case FrameRequest:
		go c.handleRequest(frame.Request)
	case FrameNotification:
		c.handleNotification(frame.Notification)
	}
}

// handleRequest answers a server-initiated request. ping is answered
// directly; everything else goes to the installed RequestHandler.
func (c *Client) handleRequest(req *Request) {
	var (
		result any
		rpcErr *RPCError
	)
	switch {
	case req.Method == MethodPing:
		result = struct{}{}
	case c.onRequest != nil:
		result, rpcErr = c.onRequest(c.ctx, req)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	}

	resp := Response{JSONRPC: jsonrpcVersion, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}

	if err := c.writer.Send(resp); err != nil {
		c.logger.Warn("failed to answer MCP server request",
			"method", req.Method,
			"error", err,
		)
	}
}

func (c *Client) handleNotification(n *Notification) {
	c.logger.Debug("MCP notification received", "method", n.Method)

	if n.Method == MethodToolsListChanged {
		go c.refreshTools()
	}
	if c.onNotification != nil {
		c.onNotification(c.ctx, n)
	}
}

// refreshTools re-runs discovery through the listener.
func (c *Client) refreshTools() {
	ctx, cancel := context.WithTimeout(c.ctx, refreshTimeout)
	defer cancel()

	if _, err := c.ListTools(ctx); err != nil {
		c.logger.Warn("MCP tool refresh failed", "error", err)
	}
}
