package httplog

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/sharedlog"
)

func newTestServer(t *testing.T) (*Client, func()) {
	t.Helper()

	backing := sharedlog.NewMemoryLog()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(backing, addr, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := NewClient("http://" + addr)
	return client, func() { _ = srv.Stop() }
}

func TestHTTPLogAppendReadTail(t *testing.T) {
	client, stop := newTestServer(t)
	defer stop()
	ctx := context.Background()

	pos, err := client.Append(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos != 0 {
		t.Fatalf("pos = %d, want 0", pos)
	}

	got, err := client.Read(ctx, pos)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read = %q, want %q", got, "hello")
	}

	tail, err := client.CheckTail(ctx)
	if err != nil {
		t.Fatalf("check tail: %v", err)
	}
	if tail != 1 {
		t.Fatalf("tail = %d, want 1", tail)
	}
}

func TestHTTPLogReadMissingIsNotWritten(t *testing.T) {
	client, stop := newTestServer(t)
	defer stop()
	ctx := context.Background()

	if _, err := client.Append(ctx, []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := client.Read(ctx, 5)
	if !cruzerr.IsNotWritten(err) {
		t.Fatalf("read missing: err = %v, want NotWrittenError", err)
	}
	var nw *cruzerr.NotWrittenError
	if !errors.As(err, &nw) {
		t.Fatalf("read missing: errors.As failed on %v", err)
	}
}
