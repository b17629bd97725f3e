package mcp

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/jazzcort/nexa/internal/json"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Identifier correlates a Request with its Response. It is either a
// non-negative integer or a string. Identifiers are comparable and are
// used directly as map keys; NumberID(1) and StringID("1") are distinct.
type Identifier struct {
	num   uint64
	str   string
	isStr bool
}

// NumberID returns a numeric identifier.
func NumberID(n uint64) Identifier {
	return Identifier{num: n}
}

// StringID returns a string identifier.
func StringID(s string) Identifier {
	return Identifier{str: s, isStr: true}
}

// IsString reports whether the identifier is the string variant.
func (id Identifier) IsString() bool {
	return id.isStr
}

// Number returns the numeric value and true for numeric identifiers.
func (id Identifier) Number() (uint64, bool) {
	return id.num, !id.isStr
}

// String renders the identifier for logs. String identifiers are quoted
// so 1 and "1" stay distinguishable.
func (id Identifier) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatUint(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id Identifier) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatUint(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings and
// non-negative integers are accepted.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty identifier")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("string identifier: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("identifier must be a string or non-negative integer, got %s", data)
	}
	*id = NumberID(n)
	return nil
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      Identifier      `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request. A nil params value omits
// the params member.
func NewRequest(id Identifier, method string, params any) (*Request, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// Response is a JSON-RPC 2.0 response. It is the Success variant when
// Error is nil and the Fail variant otherwise.
type Response struct {
	JSONRPC string
	ID      Identifier
	Result  json.RawMessage
	Error   *RPCError
}

// IsError reports whether the response is the Fail variant.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// MarshalJSON emits exactly one of result or error. A Success response
// with no result payload is written as "result":null.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string     `json:"jsonrpc"`
			ID      Identifier `json:"id"`
			Error   *RPCError  `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      Identifier      `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{r.JSONRPC, r.ID, result})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      Identifier      `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Response{
		JSONRPC: wire.JSONRPC,
		ID:      wire.ID,
		Result:  wire.Result,
		Error:   wire.Error,
	}
	return nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}

// FrameKind identifies which variant a Frame holds.
type FrameKind int

const (
	FrameRequest FrameKind = iota + 1
	FrameResponse
	FrameNotification
)

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Frame is one message received on the input stream. Exactly one of
// Request, Response or Notification is set, matching Kind.
type Frame struct {
	Kind         FrameKind
	Request      *Request
	Response     *Response
	Notification *Notification
}

// DecodeFrame classifies and decodes a single JSON-RPC message. The
// shape decides the variant: result or error marks a Response, an id
// with a method marks a Request, and a method alone marks a
// Notification. Anything else is a decode error.
func DecodeFrame(data []byte) (Frame, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return Frame{}, decodeError("invalid JSON", err)
	}

	present := func(key string) bool {
		v, ok := members[key]
		return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
	}
	// "result": null is a valid Success payload; a null error or id is
	// treated as absent.
	_, hasResult := members["result"]
	hasError := present("error")
	hasID := present("id")
	hasMethod := present("method")

	switch {
	case hasResult && hasError:
		return Frame{}, decodeError("frame has both result and error", nil)
	case (hasResult || hasError) && hasMethod:
		return Frame{}, decodeError("frame has both method and result/error", nil)
	case hasResult || hasError:
		if !hasID {
			return Frame{}, decodeError("response without id", nil)
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return Frame{}, decodeError("response", err)
		}
		return Frame{Kind: FrameResponse, Response: &resp}, nil
	case hasMethod && hasID:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return Frame{}, decodeError("request", err)
		}
		return Frame{Kind: FrameRequest, Request: &req}, nil
	case hasMethod:
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return Frame{}, decodeError("notification", err)
		}
		return Frame{Kind: FrameNotification, Notification: &notif}, nil
	default:
		return Frame{}, decodeError("unrecognized frame shape", nil)
	}
}
