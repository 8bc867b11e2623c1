// Package gdb attaches to a guest's remote-debug stub over loopback TCP and
// drives it with the GDB remote serial protocol. A debug session is advisory:
// losing it never tears the guest down.
package gdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loopholelabs/logging/types"
)

var (
	ErrNoFreePort          = errors.New("no free port in scan range")
	ErrCouldNotAttach      = errors.New("could not attach to remote-debug stub")
	ErrCouldNotPause       = errors.New("could not pause guest execution")
	ErrCouldNotResume      = errors.New("could not resume guest execution")
	ErrCouldNotDetach      = errors.New("could not detach from remote-debug stub")
	ErrSessionClosed       = errors.New("debug session is closed")
	ErrMalformedPacket     = errors.New("malformed remote serial protocol packet")
	ErrChecksumMismatch    = errors.New("remote serial protocol checksum mismatch")
	ErrPacketNotAcked      = errors.New("remote serial protocol packet not acknowledged")
	ErrUnexpectedStopReply = errors.New("unexpected stop reply")
)

const (
	DefaultPortRangeStart = 8000
	DefaultPortRangeEnd   = 9999

	// interruptByte is sent unframed to stop the inferior.
	interruptByte = 0x03

	ioTimeout = 5 * time.Second
)

// FindFreePort scans the loopback TCP range for a bindable port. The range is
// bounded so concurrent guests spread over it without colliding.
func FindFreePort(start int, end int) (int, error) {
	for port := start; port <= end; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = listener.Close()

		return port, nil
	}

	return 0, errors.Join(ErrNoFreePort, fmt.Errorf("scanned %d-%d", start, end))
}

type Session struct {
	log types.Logger

	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// Attach connects to the stub. Connection failure is fatal to the session
// only; the caller keeps the guest running.
func Attach(ctx context.Context, log types.Logger, port int) (*Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Join(ErrCouldNotAttach, err)
	}

	if log != nil {
		log.Debug().Int("port", port).Msg("Attached debug session")
	}

	return &Session{
		log:    log,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

// Pause interrupts the inferior and waits for its stop reply.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.applyDeadline(ctx); err != nil {
		return errors.Join(ErrCouldNotPause, err)
	}

	if _, err := s.conn.Write([]byte{interruptByte}); err != nil {
		return errors.Join(ErrCouldNotPause, err)
	}

	reply, err := s.readPacket()
	if err != nil {
		return errors.Join(ErrCouldNotPause, err)
	}
	if len(reply) == 0 || (reply[0] != 'T' && reply[0] != 'S') {
		return errors.Join(ErrCouldNotPause, ErrUnexpectedStopReply, errors.New(reply))
	}

	return nil
}

// Resume continues the inferior. No reply is expected until the next stop, so
// only the transport acknowledgement is awaited.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.applyDeadline(ctx); err != nil {
		return errors.Join(ErrCouldNotResume, err)
	}

	if err := s.sendPacket("c"); err != nil {
		return errors.Join(ErrCouldNotResume, err)
	}

	return nil
}

// Detach sends a detach request and closes the connection. The stop reply is
// best-effort since the stub may close first.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := s.sendPacket("D"); err != nil {
		_ = s.conn.Close()

		return errors.Join(ErrCouldNotDetach, err)
	}
	_, _ = s.readPacket()

	if err := s.conn.Close(); err != nil {
		return errors.Join(ErrCouldNotDetach, err)
	}

	return nil
}

// sendPacket frames a payload as `$<payload>#<checksum>` and waits for the
// stub's acknowledgement.
func (s *Session) sendPacket(payload string) error {
	packet := fmt.Sprintf("$%s#%02x", payload, checksum(payload))

	if _, err := s.conn.Write([]byte(packet)); err != nil {
		return err
	}

	ack := make([]byte, 1)
	if _, err := s.conn.Read(ack); err != nil {
		return err
	}
	if ack[0] != '+' {
		return errors.Join(ErrPacketNotAcked, fmt.Errorf("got %q", ack[0]))
	}

	return nil
}

// readPacket consumes one framed packet, verifies its checksum and
// acknowledges it.
func (s *Session) readPacket() (string, error) {
	// Scan to the packet start, skipping stray acks.
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
		if b != '+' && b != '-' {
			return "", errors.Join(ErrMalformedPacket, fmt.Errorf("unexpected byte %q before packet start", b))
		}
	}

	payload, err := s.reader.ReadString('#')
	if err != nil {
		return "", err
	}
	payload = payload[:len(payload)-1]

	sum := make([]byte, 2)
	if _, err := io.ReadFull(s.reader, sum); err != nil {
		return "", err
	}

	expected, err := strconv.ParseUint(string(sum), 16, 8)
	if err != nil {
		return "", errors.Join(ErrMalformedPacket, err)
	}
	if byte(expected) != checksum(payload) {
		return "", ErrChecksumMismatch
	}

	if _, err := s.conn.Write([]byte{'+'}); err != nil {
		return "", err
	}

	return payload, nil
}

func (s *Session) applyDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(ioTimeout)
	}

	return s.conn.SetDeadline(deadline)
}

func checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}

	return sum
}
