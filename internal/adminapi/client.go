package adminapi

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client dials a topgund admin socket fresh for every call: the
// protocol is one request per connection, so there is no persistent
// state to hold beyond the socket path.
type Client struct {
	SockPath string
	Timeout  time.Duration
}

func NewClient(sockPath string) *Client {
	return &Client{SockPath: sockPath, Timeout: 5 * time.Second}
}

// Call sends op with args marshaled as the payload and decodes the
// response payload into result (which may be nil).
func (c *Client) Call(op Op, args any, result any) error {
	conn, err := net.DialTimeout("unix", c.SockPath, c.Timeout)
	if err != nil {
		return fmt.Errorf("dial admin socket %q: %w", c.SockPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	var payload json.RawMessage
	if args != nil {
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	if err := json.NewEncoder(conn).Encode(Request{Op: op, Payload: payload}); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("admin call %q failed: %s", op, resp.Error)
	}
	if result != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) Status() (StatusResult, error) {
	var res StatusResult
	err := c.Call(OpStatus, nil, &res)
	return res, err
}

func (c *Client) LockAcquire(args LockAcquireArgs) (LockAcquireResult, error) {
	var res LockAcquireResult
	err := c.Call(OpLockAcquire, args, &res)
	return res, err
}

func (c *Client) LockRelease(args LockReleaseArgs) (LockReleaseResult, error) {
	var res LockReleaseResult
	err := c.Call(OpLockRelease, args, &res)
	return res, err
}

func (c *Client) TopicPublish(args TopicPublishArgs) error {
	return c.Call(OpTopicPublish, args, nil)
}
