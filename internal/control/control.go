// pattern: Imperative Shell

// Package control implements ControlSurface: the length-framed protocol
// server over a Unix domain socket described in spec.md section 4.5 and
// section 6.2. It is a thin external collaborator — it never mutates
// TaskInstance state itself, only translates wire requests into
// supervisor.Command values and writes back the Response.
package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"taskmasterd/internal/logging"
	"taskmasterd/internal/supervisor"
)

// maxFrameBytes bounds a single request's JSON payload, guarding the
// server against a misbehaving client sending an unbounded length prefix.
const maxFrameBytes = 1 << 20

// ProtocolError reports a malformed control-channel frame: an oversized
// length prefix, invalid JSON, or an unrecognized op. The offending
// connection is closed and a Reply carrying this error is written back;
// daemon state is unaffected (spec.md section 7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Reason) }

// Request is the wire shape of one operator request, exactly spec.md
// section 6's `{op, program?}`.
type Request struct {
	Op      string `json:"op"`
	Program string `json:"program,omitempty"`
}

// Reply is the wire shape of one response: spec.md section 6's
// `{ok, payload}`, plus an error string that is set when OK is false.
type Reply struct {
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Surface listens on a Unix domain socket and dispatches each connection's
// single request to the Supervisor's command queue.
type Surface struct {
	socketPath string
	commands   chan<- supervisor.Command
	log        *logging.ScopedLogger
	listener   net.Listener
}

func New(socketPath string, commands chan<- supervisor.Command, logs logging.LoggerProvider) *Surface {
	return &Surface{
		socketPath: socketPath,
		commands:   commands,
		log:        logs.For("control"),
	}
}

// Listen binds the Unix socket, removing any stale socket file left by a
// prior crashed daemon (the daemon's own flock guards against two live
// daemons racing here).
func (s *Surface) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the listener is closed by Close.
func (s *Surface) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Surface) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

// handleConn serves exactly one request/response per connection, per
// spec.md section 4.5's "one request, one response, independent per
// connection".
func (s *Surface) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("malformed request", "error", err)
		}
		var pe *ProtocolError
		if errors.As(err, &pe) {
			writeFrame(conn, Reply{OK: false, Error: pe.Error()})
		}
		return
	}

	var wire Request
	if err := json.Unmarshal(req, &wire); err != nil {
		pe := &ProtocolError{Reason: fmt.Sprintf("invalid json: %v", err)}
		writeFrame(conn, Reply{OK: false, Error: pe.Error()})
		return
	}

	op := supervisor.Op(wire.Op)
	switch op {
	case supervisor.OpStart, supervisor.OpStop, supervisor.OpRestart, supervisor.OpStatus, supervisor.OpReload, supervisor.OpShutdown:
	default:
		pe := &ProtocolError{Reason: fmt.Sprintf("unknown op %q", wire.Op)}
		writeFrame(conn, Reply{OK: false, Error: pe.Error()})
		return
	}

	reply := make(chan supervisor.Response, 1)
	s.commands <- supervisor.Command{Op: op, Program: wire.Program, Reply: reply}
	resp := <-reply

	out := Reply{OK: resp.OK, Payload: resp.Payload}
	if resp.Err != nil {
		out.Error = resp.Err.Error()
	}
	if err := writeFrame(conn, out); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}

// readFrame reads one 4-byte big-endian length prefix followed by that
// many bytes of JSON, per spec.md section 6.2.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes v as length-prefixed JSON.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal response: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
