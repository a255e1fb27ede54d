package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

func startServer(t *testing.T, register func(*Server)) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-errCh
	})

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return srv, sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingRoundTrip(t *testing.T) {
	_, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true, Version: "1.2.3", NodeID: "node-1"}, nil
		})
	})
	client := dial(t, sock)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	var pong PingResponse
	if err := client.Call(reqCtx, MethodPing, nil, &pong); err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if !pong.Pong {
		t.Error("expected pong=true")
	}
	if pong.NodeID != "node-1" || pong.Version != "1.2.3" {
		t.Errorf("got %+v", pong)
	}
}

func TestRequestPayload(t *testing.T) {
	_, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodGetSource, func(_ context.Context, msg Message) (any, error) {
			var req SourceRequest
			if err := msg.UnmarshalData(&req); err != nil {
				return nil, err
			}
			if req.ID == "" {
				return nil, errors.New("id is required")
			}
			return RetireSourceResponse{OK: true, State: "tailing:" + req.ID}, nil
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp RetireSourceResponse
	if err := client.Call(ctx, MethodGetSource, SourceRequest{ID: "a1:web:stdout"}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "tailing:a1:web:stdout" {
		t.Errorf("state: got %q", resp.State)
	}

	err := client.Call(ctx, MethodGetSource, SourceRequest{}, &resp)
	if err == nil || !strings.Contains(err.Error(), "id is required") {
		t.Errorf("expected handler error, got %v", err)
	}

	// A request without payload cannot be decoded.
	err = client.Call(ctx, MethodGetSource, nil, &resp)
	if err == nil || !strings.Contains(err.Error(), "empty payload") {
		t.Errorf("expected empty payload error, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, sock := startServer(t, nil)
	client := dial(t, sock)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	_, err := client.Request(reqCtx, "NoSuchMethod", nil)
	if err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestBroadcastEvent(t *testing.T) {
	srv, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is established by doing a ping first
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	if _, err := client.Request(pingCtx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	evt, _ := NewEvent(EventSourcesDelta, map[string][]string{"removed": {"a1:web:stdout"}})
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventSourcesDelta {
			t.Errorf("expected method %s, got %s", EventSourcesDelta, msg.Method)
		}
		var payload map[string][]string
		if err := msg.UnmarshalData(&payload); err != nil {
			t.Fatal(err)
		}
		if len(payload["removed"]) != 1 {
			t.Errorf("payload: got %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestClientDoneOnShutdown(t *testing.T) {
	srv, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	srv.Shutdown()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice shutdown")
	}
	if _, err := client.Request(ctx, MethodPing, nil); err == nil {
		t.Error("expected error after shutdown")
	}
	if err := client.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !strings.Contains(err.Error(), "closed") {
		t.Errorf("close: %v", err)
	}
}

func TestRemoteErrorCode(t *testing.T) {
	_, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodRetireSource, func(_ context.Context, msg Message) (any, error) {
			var req SourceRequest
			_ = msg.UnmarshalData(&req)
			return nil, fmt.Errorf("source %s: %w", req.ID, core.ErrNotFound)
		})
		srv.Handle(MethodStats, func(context.Context, Message) (any, error) {
			panic("boom")
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Call(ctx, MethodRetireSource, SourceRequest{ID: "a1:web:stdout"}, nil)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "not_found" {
		t.Errorf("expected RemoteError with code not_found, got %#v", err)
	}

	// A panicking handler answers with an error and keeps the connection.
	if err := client.Call(ctx, MethodStats, nil, nil); err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Errorf("expected internal error, got %v", err)
	}
	if err := client.Call(ctx, MethodRetireSource, SourceRequest{ID: "x:y:z"}, nil); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("connection unusable after panic: %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	srv, sock := startServer(t, func(srv *Server) {
		srv.Handle(MethodGetSource, func(_ context.Context, msg Message) (any, error) {
			var req SourceRequest
			if err := msg.UnmarshalData(&req); err != nil {
				return nil, err
			}
			return RetireSourceResponse{OK: true, State: req.ID}, nil
		})
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("a%d:web:stdout", i)
			var resp RetireSourceResponse
			if err := client.Call(ctx, MethodGetSource, SourceRequest{ID: id}, &resp); err != nil {
				errs <- err
				return
			}
			if resp.State != id {
				errs <- fmt.Errorf("request %s answered with %s", id, resp.State)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := srv.Clients(); n != 1 {
		t.Errorf("Clients() = %d, want 1", n)
	}
}
