package socket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Client is a minimal framed-JSON client over the control socket, used by
// tests and by the in-process plugin host to exercise the wire protocol
// rather than calling Bridge methods directly.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to a Server listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("socket: dial: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends method with params and returns the decoded result or an error
// built from the response's Error field.
func (c *Client) Call(method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socket: marshal params: %w", err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	req := Request{ID: fmt.Sprintf("%d", id), Method: method, Params: paramsData}
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("socket: marshal request: %w", err)
	}
	if err := writeFrame(c.conn, reqData); err != nil {
		return fmt.Errorf("socket: write request: %w", err)
	}

	respData, err := readFrame(c.r)
	if err != nil {
		return fmt.Errorf("socket: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return fmt.Errorf("socket: decode response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("socket: %s", resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("socket: decode result: %w", err)
		}
	}
	return nil
}
