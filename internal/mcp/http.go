package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/jazzcort/nexa/internal/httpkit"
	"github.com/jazzcort/nexa/internal/json"
)

// sessionHeader carries the server-assigned session identifier.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Client overrides the HTTP client. Nil uses an httpkit client
	// without an overall timeout so event streams can stay open.
	Client *http.Client
}

// HTTPTransport is both the Writer and the Reader for a streamable
// HTTP server. Every Send is a POST; frames found in the reply bodies
// are queued and handed out one at a time by Receive.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan received

	mu        sync.RWMutex
	sessionID string

	closeOnce sync.Once
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan received, 64),
	}
}

// Send posts one frame. It returns once the server has answered with a
// success status; the reply body is consumed in the background.
func (t *HTTPTransport) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.decorate(httpReq)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if t.ctx.Err() != nil {
			return connectionError("closed pipe", nil)
		}
		return ioError(fmt.Sprintf("HTTP request to %s", t.url), err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		httpkit.DrainAndClose(httpResp.Body, 1<<20)
		return nil
	case httpResp.StatusCode != http.StatusOK:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		httpResp.Body.Close()
		return connectionError(fmt.Sprintf("MCP server returned %d: %s", httpResp.StatusCode, errBody), nil)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	go t.consume(mediaType, httpResp.Body)
	return nil
}

// Receive returns the next queued frame. After Close it reports a
// ConnectionError("closed pipe").
func (t *HTTPTransport) Receive() (Frame, error) {
	select {
	case r := <-t.inbox:
		return r.frame, r.err
	case <-t.ctx.Done():
		return Frame{}, connectionError("closed pipe", nil)
	}
}

// Close ends the session on the server, if one was assigned, and stops
// all in-flight streams.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.RLock()
		sid := t.sessionID
		t.mu.RUnlock()

		if sid != "" {
			err = t.deleteSession()
		}
		t.cancel()
	})
	return err
}

func (t *HTTPTransport) deleteSession() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	t.decorate(httpReq)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("delete MCP session: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// 405 means the server does not allow clients to end sessions.
	if httpResp.StatusCode >= 300 && httpResp.StatusCode != http.StatusMethodNotAllowed {
		t.logger.Debug("MCP session delete rejected", "status", httpResp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) decorate(req *http.Request) {
	req.Header.Set("MCP-Protocol-Version", ProtocolVersion)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()
}

// consume decodes a reply body into queued frames.
func (t *HTTPTransport) consume(mediaType string, body io.ReadCloser) {
	defer body.Close()

	if mediaType == "text/event-stream" {
		t.consumeStream(body)
		return
	}

	data, err := io.ReadAll(io.LimitReader(body, maxLineSize))
	if err != nil {
		t.deliver(Frame{}, ioError("read response body", err))
		return
	}
	t.deliverPayload(data)
}

func (t *HTTPTransport) consumeStream(body io.Reader) {
	cfg := &sse.ReadConfig{MaxEventSize: maxLineSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && t.ctx.Err() == nil {
				t.logger.Warn("failed to read MCP event stream", "error", err)
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if len(bytes.TrimSpace([]byte(ev.Data))) == 0 {
			continue
		}
		t.deliverPayload([]byte(ev.Data))
	}
}

// deliverPayload queues a single frame or every element of a batch.
func (t *HTTPTransport) deliverPayload(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	if data[0] != '[' {
		frame, err := DecodeFrame(data)
		t.deliver(frame, err)
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		t.deliver(Frame{}, decodeError("malformed batch", err))
		return
	}
	for _, raw := range batch {
		frame, err := DecodeFrame(raw)
		if !t.deliver(frame, err) {
			return
		}
	}
}

func (t *HTTPTransport) deliver(frame Frame, err error) bool {
	select {
	case t.inbox <- received{frame: frame, err: err}:
		return true
	case <-t.ctx.Done():
		return false
	}
}
