package ocd

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeTCLServer accepts one connection and echoes back resp for every
// request it reads, framed the same way the real OpenOCD TCL port is.
func fakeTCLServer(t *testing.T, resp string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadString(separator); err != nil {
				return
			}
			if _, err := conn.Write(append([]byte(resp), separator)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestClientRunRoundTrip(t *testing.T) {
	addr := fakeTCLServer(t, "0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Run(ctx, "reset halt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp != "0" {
		t.Fatalf("Run response = %q, want %q", resp, "0")
	}
}

func TestDialFailsWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens on addr anymore

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, addr); err == nil {
		t.Fatalf("expected Dial to fail against a closed port")
	}
}

func TestDialRespectsContextCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, addr); err == nil {
		t.Fatalf("expected Dial to fail against an already-cancelled context")
	}
}
