package ingest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func startTestTCPServer(t *testing.T, pipeline Pipeline) *TCPServer {
	t.Helper()
	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0"
	srv := NewTCPServer(cfg, pipeline)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start tcp server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d items, have %d", want, get())
}

func TestTCPServerSubmitsEvents(t *testing.T) {
	pipeline := &fakePipeline{}
	srv := startTestTCPServer(t, pipeline)

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintln(conn, `{"type":"transaction.high_risk","severity":4,"user_id":"u1"}`)
	fmt.Fprintln(conn, `{"type":"account.takeover","severity":5,"source":"auth"}`)

	waitForCount(t, func() int { return len(pipeline.events()) }, 2)

	events := pipeline.events()
	if events[0].Source == "" {
		t.Error("expected source defaulted to peer IP")
	}
	if events[1].Source != "auth" {
		t.Errorf("source = %q, want auth", events[1].Source)
	}

	m := srv.Metrics()
	if m.Received != 2 || m.Submitted != 2 {
		t.Errorf("metrics = %+v, want 2 received and submitted", m)
	}
}

func TestTCPServerBadLine(t *testing.T) {
	pipeline := &fakePipeline{}
	srv := startTestTCPServer(t, pipeline)

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintln(conn, `not json`)
	fmt.Fprintln(conn, `{"type":"transaction.high_risk","severity":3}`)

	waitForCount(t, func() int { return len(pipeline.events()) }, 1)

	if m := srv.Metrics(); m.Errors != 1 {
		t.Errorf("errors = %d, want 1", m.Errors)
	}
}

func TestTCPServerConnectionLimit(t *testing.T) {
	pipeline := &fakePipeline{}
	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.MaxConnections = 1
	srv := NewTCPServer(cfg, pipeline)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	first, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	waitForCount(t, srv.ActiveConnections, 1)

	second, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	// The server closes the surplus connection; reads observe EOF.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected surplus connection to be closed")
	}
}
