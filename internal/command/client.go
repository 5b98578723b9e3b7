package command

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
)

// Client is the device side of the command channel, used by simulators and
// integration tests.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits

	writeMu sync.Mutex
}

func Dial(ctx context.Context, addr string, limits frame.Limits) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if limits.MaxMessageSize == 0 {
		limits = frame.DefaultLimits()
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), limits: limits}, nil
}

func (c *Client) Send(msg catalog.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(body)
}

// SendRaw frames body without any JSON handling.
func (c *Client) SendRaw(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteFrame(c.conn, body, frame.Limits{})
}

// WriteBytes writes b verbatim, bypassing framing.
func (c *Client) WriteBytes(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Receive reads one message, waiting at most timeout when positive.
func (c *Client) Receive(timeout time.Duration) (catalog.Message, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	body, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		return nil, err
	}
	return catalog.Decode(body)
}

// Request sends msg and returns the next inbound message.
func (c *Client) Request(msg catalog.Message, timeout time.Duration) (catalog.Message, error) {
	if err := c.Send(msg); err != nil {
		return nil, err
	}
	return c.Receive(timeout)
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) Close() error { return c.conn.Close() }
