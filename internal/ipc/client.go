package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
)

// Client is a thin Go-side binding used by integration tests (and could
// equally back a thin external CLI, though building one is out of
// scope here).
type Client struct {
	sess    *yamux.Session
	control net.Conn

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response

	encMu sync.Mutex
	enc   *json.Encoder
}

// Dial connects to the daemon's Unix socket and opens the control stream.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	sess, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ipc: yamux client: %w", err)
	}

	// The server opens the signal stream first; accept it here so the
	// control stream can be opened. This client never reads from it.
	_, err = sess.AcceptStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("ipc: accept signal stream: %w", err)
	}

	control, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("ipc: open control stream: %w", err)
	}

	c := &Client{
		sess:    sess,
		control: control,
		pending: make(map[uint64]chan Response),
		enc:     json.NewEncoder(control),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.control)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call issues method with params and blocks for the matching Response.
func (c *Client) Call(method string, params any) (Response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.encMu.Lock()
	err := c.enc.Encode(Request{ID: id, Method: method, Params: params})
	c.encMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, err
	}
	return <-ch, nil
}

// Close tears down the session.
func (c *Client) Close() error {
	return c.sess.Close()
}

// FollowHandle is a live subscription to one task's output.
type FollowHandle struct {
	Lines <-chan string
	Quit  <-chan int
}

// Follow opens a dedicated stream for task id and relays its output. Each
// call mints its own follower name, so the same task can be followed by
// any number of concurrent callers without name collisions.
func (c *Client) Follow(id int64) (*FollowHandle, error) {
	stream, err := c.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	name := uuid.NewString()
	if err := json.NewEncoder(stream).Encode(followHandshake{ID: id, Name: name}); err != nil {
		_ = stream.Close()
		return nil, err
	}

	lines := make(chan string, 64)
	quit := make(chan int, 1)
	go func() {
		defer stream.Close()
		defer close(lines)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		for scanner.Scan() {
			var frame followFrame
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				continue
			}
			if frame.Quit {
				quit <- frame.Code
				return
			}
			lines <- frame.Line
		}
	}()
	return &FollowHandle{Lines: lines, Quit: quit}, nil
}
