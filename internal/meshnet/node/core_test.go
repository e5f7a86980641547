package node

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/logging"
)

func loopbackAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return addr
}

func TestNewCore_RegistersBuiltinPingHandler(t *testing.T) {
	c, err := NewCore("node-a", loopbackAddr(t), nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer c.Close()
	if _, ok := c.handlers["ping"]; !ok {
		t.Fatal("expected built-in ping handler")
	}
}

func TestCore_PingPong_RoundTrip(t *testing.T) {
	a, err := NewCore("node-a", loopbackAddr(t), nil, nil)
	if err != nil {
		t.Fatalf("NewCore a: %v", err)
	}
	defer a.Close()

	var mu sync.Mutex
	var gotPong bool
	extras := map[string]Handler{
		"pong": func(msg control.Message, from *net.UDPAddr) {
			mu.Lock()
			gotPong = true
			mu.Unlock()
		},
	}
	b, err := NewCore("node-b", loopbackAddr(t), nil, extras)
	if err != nil {
		t.Fatalf("NewCore b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.ReceiveLoop(ctx)
	go b.ReceiveLoop(ctx)

	if err := b.SendToAddr(control.Message{Action: "ping", NodeID: "node-b"}, a.LocalAddr()); err != nil {
		t.Fatalf("SendToAddr: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := gotPong
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pong")
}

func TestCore_PreDispatch_RunsBeforeHandler(t *testing.T) {
	c, err := NewCore("node-a", loopbackAddr(t), nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer c.Close()

	var order []string
	c.PreDispatch = func(msg control.Message, from *net.UDPAddr) {
		order = append(order, "pre")
	}
	c.RegisterHandler("ping", func(msg control.Message, from *net.UDPAddr) {
		order = append(order, "handler")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ReceiveLoop(ctx)

	sender, err := net.ListenUDP("udp", loopbackAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sender.Close()
	data, _ := control.Encode(control.Message{Action: "ping", NodeID: "sender"})
	if _, err := sender.WriteToUDP(data, c.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(order) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(order) != 2 || order[0] != "pre" || order[1] != "handler" {
		t.Fatalf("expected [pre handler], got %v", order)
	}
}

func TestCore_UnknownAction_LoggedNotFatal(t *testing.T) {
	var buf strings.Builder
	logger := &captureLogger{buf: &buf}
	c, err := NewCore("node-a", loopbackAddr(t), logger, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ReceiveLoop(ctx)

	sender, err := net.ListenUDP("udp", loopbackAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sender.Close()
	data, _ := control.Encode(control.Message{Action: "mystery", NodeID: "sender"})
	if _, err := sender.WriteToUDP(data, c.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf.Len() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(buf.String(), "unknown action") {
		t.Fatalf("expected unknown action log, got %q", buf.String())
	}
}

func TestReceiveLoop_StopsOnContextCancel(t *testing.T) {
	c, err := NewCore("node-a", loopbackAddr(t), nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ReceiveLoop(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReceiveLoop did not stop after cancel")
	}
}

type captureLogger struct {
	buf *strings.Builder
}

func (l *captureLogger) Printf(format string, v ...any) {
	l.buf.WriteString(fmt.Sprintf(format, v...))
}

var _ logging.Logger = (*captureLogger)(nil)
