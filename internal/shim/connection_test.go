package shim

import (
	"errors"
	"testing"

	"csrf-shim-go/internal/buffer"
	"csrf-shim-go/internal/model"
)

func TestNew_DescriptorRoles(t *testing.T) {
	closer := newRecordingCloser()
	c := mustConn(t, 5, 6, testOptions(newCountingAllocator(0), closer, Features{}))

	if c.Client.Role != ClientListener || c.Client.ListenFD != 5 || c.Client.SendFD != 6 {
		t.Errorf("client stream = {%v listen=%d send=%d}, want {client listen=5 send=6}",
			c.Client.Role, c.Client.ListenFD, c.Client.SendFD)
	}
	if c.Server.Role != ServerListener || c.Server.ListenFD != 6 || c.Server.SendFD != 5 {
		t.Errorf("server stream = {%v listen=%d send=%d}, want {server listen=6 send=5}",
			c.Server.Role, c.Server.ListenFD, c.Server.SendFD)
	}
	if c.Client.Parser.Type != Request || c.Server.Parser.Type != Response {
		t.Error("client must parse requests and server responses")
	}
	if c.Client.Conn != c || c.Server.Conn != c {
		t.Error("streams do not reference their connection")
	}
	if in, out := c.FDs(); in != 5 || out != 6 {
		t.Errorf("FDs() = %d, %d; want 5, 6", in, out)
	}
}

func TestConnection_Scenario(t *testing.T) {
	closer := newRecordingCloser()
	alloc := newCountingAllocator(0)
	c := mustConn(t, 5, 6, testOptions(alloc, closer, allFeatures))

	if err := c.Client.URL.AppendString("GET / HTTP/1.1\r\n"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if c.Client.URL.Len() != 16 {
		t.Fatalf("url Len() = %d, want 16", c.Client.URL.Len())
	}

	c.Reset()
	if c.Client.URL.Len() != 0 {
		t.Errorf("url Len() after Reset = %d, want 0", c.Client.URL.Len())
	}
	if c.Client.URL.Cap() < 16 {
		t.Errorf("url Cap() after Reset = %d, want >= 16", c.Client.URL.Cap())
	}
	if len(closer.closed) != 0 {
		t.Errorf("Reset closed descriptors: %v", closer.closed)
	}

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if closer.closed[5] != 1 || closer.closed[6] != 1 || len(closer.closed) != 2 {
		t.Errorf("closed = %v, want fd 5 and 6 once each", closer.closed)
	}
	if alloc.outstanding() != 0 {
		t.Errorf("outstanding after Destroy = %d, want 0", alloc.outstanding())
	}
}

func TestConnection_DestroyTwice(t *testing.T) {
	closer := newRecordingCloser()
	alloc := newCountingAllocator(0)
	c := mustConn(t, 7, 8, testOptions(alloc, closer, allFeatures))

	_ = c.Destroy()
	if err := c.Destroy(); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}

	if closer.closed[7] != 1 || closer.closed[8] != 1 {
		t.Errorf("closed = %v, want each descriptor once", closer.closed)
	}
	if alloc.released != alloc.acquired {
		t.Errorf("released = %d, acquired = %d", alloc.released, alloc.acquired)
	}
	if !c.Destroyed() {
		t.Error("Destroyed() = false after Destroy")
	}
}

func TestConnection_DestroyNil(t *testing.T) {
	var c *Connection
	if err := c.Destroy(); err != nil {
		t.Errorf("Destroy() on nil error = %v", err)
	}
	c.Reset()
}

func TestConnection_DestroyContinuesAfterCloseFailure(t *testing.T) {
	closer := newRecordingCloser()
	closer.fail[5] = errors.New("bad file descriptor")
	alloc := newCountingAllocator(0)
	c := mustConn(t, 5, 6, testOptions(alloc, closer, allFeatures))

	err := c.Destroy()
	if err == nil {
		t.Fatal("Destroy() error = nil, want close failure reported")
	}
	if closer.closed[6] != 1 {
		t.Error("second descriptor not closed after first close failed")
	}
	if alloc.outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", alloc.outstanding())
	}
}

func TestConnection_DestroySkipsUnsetDescriptors(t *testing.T) {
	closer := newRecordingCloser()
	c := mustConn(t, 0, -1, testOptions(newCountingAllocator(0), closer, Features{}))
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(closer.closed) != 0 {
		t.Errorf("closed = %v, want none", closer.closed)
	}
}

func TestConnection_DestroySharedDescriptorClosedOnce(t *testing.T) {
	closer := newRecordingCloser()
	c := mustConn(t, 7, 7, testOptions(newCountingAllocator(0), closer, Features{}))
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if closer.closed[7] != 1 {
		t.Errorf("closed[7] = %d, want 1", closer.closed[7])
	}
}

func TestNew_ServerStreamFailureRollsBack(t *testing.T) {
	// Six buffers per stream with every feature on; fail each server step.
	for step := 7; step <= 12; step++ {
		alloc := newCountingAllocator(step)
		closer := newRecordingCloser()

		c, err := New(5, 6, testOptions(alloc, closer, allFeatures))
		if c != nil {
			t.Fatalf("step %d: New() returned a connection on failure", step)
		}
		if !errors.Is(err, buffer.ErrAllocation) {
			t.Fatalf("step %d: New() error = %v, want ErrAllocation", step, err)
		}
		if alloc.outstanding() != 0 {
			t.Errorf("step %d: outstanding = %d, want 0", step, alloc.outstanding())
		}
		if len(closer.closed) != 0 {
			t.Errorf("step %d: failed construction closed descriptors %v", step, closer.closed)
		}
	}
}

func TestNew_ClientStreamFailure(t *testing.T) {
	alloc := newCountingAllocator(1)
	c, err := New(5, 6, testOptions(alloc, newRecordingCloser(), Features{}))
	if c != nil || !errors.Is(err, buffer.ErrAllocation) {
		t.Fatalf("New() = %v, %v; want nil, ErrAllocation", c, err)
	}
	if alloc.calls != 1 {
		t.Errorf("Acquire calls = %d, want 1", alloc.calls)
	}
}

func TestConnection_ResetClearsReferences(t *testing.T) {
	c := mustConn(t, 5, 6, testOptions(newCountingAllocator(0), newRecordingCloser(), Features{}))
	c.Session = model.NewSession()
	c.Match = &model.PageConf{URL: "/transfer", MaxParamLen: 64}
	c.Server.MsgComplete = true

	c.Reset()

	if c.Session != nil || c.Match != nil {
		t.Error("Reset kept session or policy match")
	}
	if c.Server.MsgComplete {
		t.Error("Reset did not reset the server stream")
	}
}

func TestNew_DefaultOptions(t *testing.T) {
	c, err := New(-1, -1, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Client.Cookie != nil {
		t.Error("zero Features should not allocate optional buffers")
	}
	if err := c.Destroy(); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
}
