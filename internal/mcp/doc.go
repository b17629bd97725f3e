// Package mcp is a client for the Model Context Protocol.
//
// A Client talks JSON-RPC 2.0 to one MCP server, either a subprocess
// speaking newline-delimited JSON on stdin/stdout or a streamable HTTP
// endpoint. The lifecycle is Connecting, then Connected after the
// initialize handshake, then Disconnected once the stream ends or the
// client is closed.
//
// Until StartListening is called the client reads replies itself, one
// request at a time. StartListening hands the input stream to a
// background listener that matches replies to outstanding calls by
// request id, so any number of tools/call requests can be in flight and
// complete in any order.
package mcp
