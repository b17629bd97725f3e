package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingTable_ResolveDelivers(t *testing.T) {
	tbl := newPendingTable()

	call, err := tbl.register(NumberID(1), "tools/call")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := &Response{JSONRPC: "2.0", ID: NumberID(1)}
	if !tbl.resolve(resp) {
		t.Fatal("resolve() = false, want true")
	}

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != resp {
		t.Errorf("Wait() = %p, want %p", got, resp)
	}
	if tbl.len() != 0 {
		t.Errorf("len() = %d, want 0", tbl.len())
	}
}

func TestPendingTable_ResolveAtMostOnce(t *testing.T) {
	tbl := newPendingTable()
	if _, err := tbl.register(StringID("a"), "tools/call"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := &Response{JSONRPC: "2.0", ID: StringID("a")}
	if !tbl.resolve(resp) {
		t.Fatal("first resolve() = false, want true")
	}
	if tbl.resolve(resp) {
		t.Error("second resolve() = true, want false")
	}
}

func TestPendingTable_UnknownIDDiscarded(t *testing.T) {
	tbl := newPendingTable()
	if _, err := tbl.register(NumberID(1), "tools/call"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// "1" is not 1.
	if tbl.resolve(&Response{JSONRPC: "2.0", ID: StringID("1")}) {
		t.Error("resolve(StringID(\"1\")) = true, want false")
	}
	if tbl.len() != 1 {
		t.Errorf("len() = %d, want 1", tbl.len())
	}
}

func TestPendingTable_DuplicateRegister(t *testing.T) {
	tbl := newPendingTable()
	if _, err := tbl.register(NumberID(5), "ping"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := tbl.register(NumberID(5), "ping"); !errors.Is(err, ErrConnection) {
		t.Errorf("duplicate register error = %v, want ErrConnection", err)
	}
}

func TestPendingTable_CloseFailsOutstanding(t *testing.T) {
	tbl := newPendingTable()
	a, _ := tbl.register(NumberID(1), "tools/call")
	b, _ := tbl.register(NumberID(2), "tools/call")

	closeErr := connectionError("closed pipe", nil)
	if n := tbl.close(closeErr); n != 2 {
		t.Errorf("close() = %d, want 2", n)
	}

	for _, call := range []*PendingCall{a, b} {
		resp, err := call.Wait(context.Background())
		if resp != nil {
			t.Errorf("Wait() resp = %v, want nil", resp)
		}
		if !errors.Is(err, ErrConnection) {
			t.Errorf("Wait() err = %v, want ErrConnection", err)
		}
	}

	if _, err := tbl.register(NumberID(3), "tools/call"); !errors.Is(err, ErrConnection) {
		t.Errorf("register after close = %v, want ErrConnection", err)
	}
	if n := tbl.close(closeErr); n != 0 {
		t.Errorf("second close() = %d, want 0", n)
	}
}

func TestPendingCall_WaitRespectsContext(t *testing.T) {
	tbl := newPendingTable()
	call, _ := tbl.register(NumberID(1), "tools/call")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := call.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", err)
	}

	// The call is still outstanding and can resolve later.
	tbl.resolve(&Response{JSONRPC: "2.0", ID: NumberID(1)})
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not resolve after late reply")
	}
}

func TestPendingTable_ConcurrentOutOfOrder(t *testing.T) {
	tbl := newPendingTable()
	const n = 50

	calls := make([]*PendingCall, n)
	for i := range n {
		c, err := tbl.register(NumberID(uint64(i+1)), "tools/call")
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		calls[i] = c
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tbl.resolve(&Response{JSONRPC: "2.0", ID: NumberID(uint64(i + 1))})
		}(i)
	}
	wg.Wait()

	for i, c := range calls {
		resp, err := c.Wait(context.Background())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.ID != c.ID() {
			t.Errorf("call %d resolved with %v, want %v", i, resp.ID, c.ID())
		}
	}
}
