package mcp

import "fmt"

// ErrorKind classifies protocol client failures.
type ErrorKind int

const (
	// KindIO is a pipe write, read or flush failure.
	KindIO ErrorKind = iota + 1

	// KindConnection covers spawn failures, missing pipes, handshake
	// mismatches, unexpected frames and server failures during the
	// handshake or tool discovery.
	KindConnection

	// KindToolCall is a malformed tool call, such as non-object arguments
	// or an unknown server name at the host layer.
	KindToolCall

	// KindDecode is a line that is not a valid JSON-RPC frame.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "i/o error"
	case KindConnection:
		return "connection error"
	case KindToolCall:
		return "tool call error"
	case KindDecode:
		return "decode error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the error type returned by the MCP client. Match a kind with
// errors.Is against the sentinels below:
//
//	if errors.Is(err, mcp.ErrConnection) { ... }
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrIO         = &Error{Kind: KindIO}
	ErrConnection = &Error{Kind: KindConnection}
	ErrToolCall   = &Error{Kind: KindToolCall}
	ErrDecode     = &Error{Kind: KindDecode}
)

func (e *Error) Error() string {
	s := "mcp " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func ioError(msg string, err error) error {
	return &Error{Kind: KindIO, Msg: msg, Err: err}
}

func connectionError(msg string, err error) error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

// ToolCallError builds a KindToolCall error. It is exported for the host
// layer, which reports unknown server names with it.
func ToolCallError(msg string) error {
	return &Error{Kind: KindToolCall, Msg: msg}
}

func decodeError(msg string, err error) error {
	return &Error{Kind: KindDecode, Msg: msg, Err: err}
}
