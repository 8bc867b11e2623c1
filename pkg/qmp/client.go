// Package qmp implements the guest control channel: line-framed JSON
// request/response messages over a local unix socket, one outstanding request
// at a time.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
)

var (
	ErrUnreachable            = errors.New("control channel unreachable")
	ErrCouldNotReadGreeting   = errors.New("could not read QMP greeting")
	ErrCouldNotNegotiate      = errors.New("could not negotiate QMP capabilities")
	ErrCouldNotWriteRequest   = errors.New("could not write request")
	ErrCouldNotReadResponse   = errors.New("could not read response")
	ErrCommandFailed          = errors.New("control channel reported an error response")
	ErrClientClosed           = errors.New("client is closed")
	ErrCouldNotCloseConn      = errors.New("could not close control channel connection")
	ErrUnexpectedGreeting     = errors.New("unexpected QMP greeting")
	ErrCapabilitiesNegotation = errors.New("capabilities negotiation rejected")
)

const (
	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = time.Second
)

// ProtocolError is the structured error payload of a QMP error response.
type ProtocolError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

type request struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
	ID        string `json:"id,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	ID     string          `json:"id,omitempty"`
}

type Client struct {
	log types.Logger

	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex // one outstanding request per guest
	closed bool
}

// Connect dials the guest's QMP socket with a bounded number of attempts and
// fixed backoff, then performs the greeting/capabilities handshake. After the
// last failed attempt the guest is declared unreachable.
func Connect(ctx context.Context, log types.Logger, socketPath string, attempts int, backoff time.Duration) (*Client, error) {
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	if backoff <= 0 {
		backoff = DefaultConnectBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := connectOnce(ctx, log, socketPath)
		if err == nil {
			if log != nil {
				log.Debug().Str("socketPath", socketPath).Int("attempt", attempt).Msg("Control channel connected")
			}

			return client, nil
		}
		lastErr = err

		if log != nil {
			log.Warn().Err(err).Str("socketPath", socketPath).Int("attempt", attempt).Int("attempts", attempts).Msg("Control channel connection attempt failed")
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrUnreachable, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}
	}

	return nil, errors.Join(ErrUnreachable, lastErr)
}

func connectOnce(ctx context.Context, log types.Logger, socketPath string) (*Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}

	client := &Client{
		log:    log,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	if err := client.handshake(ctx); err != nil {
		_ = conn.Close()

		return nil, err
	}

	return client, nil
}

// handshake consumes the server greeting and negotiates capabilities, which
// moves the channel out of greeting mode so commands are accepted.
func (c *Client) handshake(ctx context.Context) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return errors.Join(ErrCouldNotReadGreeting, err)
	}

	var greeting struct {
		QMP json.RawMessage `json:"QMP"`
	}
	if err := json.Unmarshal(line, &greeting); err != nil {
		return errors.Join(ErrCouldNotReadGreeting, err)
	}
	if greeting.QMP == nil {
		return errors.Join(ErrUnexpectedGreeting, errors.New(string(line)))
	}

	resp, err := c.roundTrip(ctx, "qmp_capabilities", nil)
	if err != nil {
		return errors.Join(ErrCouldNotNegotiate, err)
	}
	if resp == nil {
		return errors.Join(ErrCouldNotNegotiate, ErrCapabilitiesNegotation)
	}

	return nil
}

// Execute issues a single command and blocks until its response arrives.
// Asynchronous event lines received in the meantime are skipped. An error
// response surfaces as a *ProtocolError wrapped in ErrCommandFailed.
func (c *Client) Execute(ctx context.Context, command string, arguments any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}

	return c.roundTrip(ctx, command, arguments)
}

func (c *Client) roundTrip(ctx context.Context, command string, arguments any) (json.RawMessage, error) {
	id := uuid.New().String()

	payload, err := json.Marshal(request{
		Execute:   command,
		Arguments: arguments,
		ID:        id,
	})
	if err != nil {
		return nil, errors.Join(ErrCouldNotWriteRequest, err)
	}
	payload = append(payload, '\n')

	if _, err := c.conn.Write(payload); err != nil {
		return nil, errors.Join(ErrCouldNotWriteRequest, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, errors.Join(ErrCouldNotReadResponse, err)
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, errors.Join(ErrCouldNotReadResponse, err)
		}

		if resp.Event != "" {
			if c.log != nil {
				c.log.Trace().Str("event", resp.Event).Msg("Skipping asynchronous event")
			}

			continue
		}

		if resp.ID != "" && resp.ID != id {
			// Stale response from a previous, timed-out request
			continue
		}

		if resp.Error != nil {
			return nil, errors.Join(ErrCommandFailed, resp.Error)
		}

		if resp.Return != nil {
			return resp.Return, nil
		}
	}
}

// applyDeadline mirrors the context deadline onto the connection so blocked
// reads and writes are bounded.
func (c *Client) applyDeadline(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(deadline)
	}

	return c.conn.SetDeadline(time.Time{})
}

// Close disconnects from the control channel. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return errors.Join(ErrCouldNotCloseConn, err)
	}

	return nil
}
