package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

const dialTimeout = 5 * time.Second

// EventHandler is called for each server-pushed event, on the client's read
// goroutine.
type EventHandler func(msg Message)

// Client is a connection to the agent control socket. It is safe for
// concurrent use.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	onEvent EventHandler

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the agent socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnEvent sets the handler for server-pushed events.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.onEvent = h
	c.mu.Unlock()
}

// Request sends a request and waits for its response. A handler failure is
// returned as a *RemoteError alongside the response.
func (c *Client) Request(ctx context.Context, method string, data any) (Message, error) {
	req, err := NewRequest(method, data)
	if err != nil {
		return Message{}, err
	}
	line, err := marshalLine(req)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, line); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, &RemoteError{Method: method, Message: resp.Error, Code: resp.Code}
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, fmt.Errorf("%s: connection %w", method, core.ErrClosed)
	}
}

// Call sends a request and decodes the response payload into out, which may
// be nil.
func (c *Client) Call(ctx context.Context, method string, data, out any) error {
	resp, err := c.Request(ctx, method, data)
	if err != nil || out == nil {
		return err
	}
	return resp.UnmarshalData(out)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Calling it more than once is safe.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Client) write(ctx context.Context, line []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("write: connection %w", core.ErrClosed)
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		c.mu.Lock()
		ch := c.pending[msg.ID]
		h := c.onEvent
		c.mu.Unlock()

		switch {
		case msg.Type == MsgTypeRes && ch != nil:
			ch <- msg
		case msg.Type == MsgTypeEvt && h != nil:
			h(msg)
		}
	}
}
