package mcp

import (
	"context"
	"sync"
)

// PendingCall is the single-use completion handle for a request whose
// reply will be delivered by the listener. It resolves exactly once,
// either with the server's Response (Success or Fail) or with an error
// when the connection ends first.
type PendingCall struct {
	id     Identifier
	method string
	done   chan struct{}
	once   sync.Once
	resp   *Response
	err    error
}

func newPendingCall(id Identifier, method string) *PendingCall {
	return &PendingCall{
		id:     id,
		method: method,
		done:   make(chan struct{}),
	}
}

// ID returns the request identifier.
func (c *PendingCall) ID() Identifier {
	return c.id
}

// Done is closed once the call has resolved.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call resolves or ctx is done. A server Fail
// reply is returned as a Response with a non-nil Error and a nil error;
// inspecting it is the caller's job. Cancelling ctx abandons the wait
// but not the call.
func (c *PendingCall) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete resolves the call. Later calls are ignored.
func (c *PendingCall) complete(resp *Response, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// pendingTable maps outstanding request identifiers to their handles.
// The lock covers only map operations, never I/O.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[Identifier]*PendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[Identifier]*PendingCall)}
}

// register inserts a handle for id. It must be called before the request
// is written so a fast reply always finds its entry. Once the table is
// closed, register fails with the close error.
func (t *pendingTable) register(id Identifier, method string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, dup := t.calls[id]; dup {
		return nil, connectionError("duplicate request id "+id.String(), nil)
	}
	call := newPendingCall(id, method)
	t.calls[id] = call
	return call, nil
}

// remove drops id without resolving it, used when the send fails.
func (t *pendingTable) remove(id Identifier) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// resolve removes the entry matching resp.ID and delivers resp to it.
// It reports false when no entry matches.
func (t *pendingTable) resolve(resp *Response) bool {
	t.mu.Lock()
	call, ok := t.calls[resp.ID]
	if ok {
		delete(t.calls, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return call.complete(resp, nil)
}

// len returns the number of outstanding calls.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// close fails every outstanding call with err and rejects later
// registrations. Only the first close has an effect.
func (t *pendingTable) close(err error) int {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return 0
	}
	t.closed = err
	calls := t.calls
	t.calls = make(map[Identifier]*PendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}
