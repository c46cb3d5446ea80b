// Package pipeserver accepts connections on the router's own named pipe
// and dispatches framed requests to a Router.
package pipeserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"

	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// MaxInstances is a nominal instance count. ListenWinioPipe does not pass
// it to go-winio, so it does not limit how many pipe instances exist.
const MaxInstances = 32

// ClientContext is what the server exposes to the router about the peer of
// an accepted connection: its process id (when the transport can supply
// one) and a connection id for log correlation.
type ClientContext struct {
	ConnectionID string
	PeerPID      uint32 // 0 when unknown
}

// Router is the single collaborator the server calls into. Implemented by
// *router.Router in production; a fake in tests.
type Router interface {
	Dispatch(ctx context.Context, frame wire.Frame, client ClientContext) wire.Frame
}

// pidSource is implemented by winio.PipeConn; the type assertion in
// handleConn degrades to PeerPID: 0 for any other net.Conn (e.g. in tests).
type pidSource interface {
	Pid() (uint32, error)
}

// Server owns the front pipe listener and the per-connection accept loop.
type Server struct {
	listener net.Listener
	router   Router
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// ListenWinioPipe opens the front pipe in byte mode with an ACL granting
// full control to the current user and read/write to Everyone. The number
// of simultaneous instances is left to go-winio's listener.
func ListenWinioPipe(name string) (net.Listener, error) {
	path := `\\.\pipe\` + name
	cfg := &winio.PipeConfig{
		SecurityDescriptor: FrontPipeSDDL,
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(path, cfg)
}

// New wraps an already-open listener (production: ListenWinioPipe; tests:
// any net.Listener) with a Router and logger.
func New(listener net.Listener, router Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{listener: listener, router: router, logger: logger}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, spawning one handler goroutine per connection. It returns nil on
// a clean shutdown (ctx cancellation or listener closed after Close), and
// the accept error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close closes the underlying listener, unblocking Serve's Accept call.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	var peerPID uint32
	if ps, ok := conn.(pidSource); ok {
		if pid, err := ps.Pid(); err == nil {
			peerPID = pid
		}
	}
	client := ClientContext{ConnectionID: connID, PeerPID: peerPID}
	logger := s.logger.With("connection_id", connID, "peer_pid", peerPID)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := wire.ReadFrame(r)
		if errors.Is(err, wire.ErrEndOfStream) {
			return
		}
		if err != nil {
			logger.Debug("closing connection after malformed frame", "error", err)
			return
		}

		response := s.router.Dispatch(ctx, frame, client)

		if err := wire.WriteFrame(w, response.Type, response.Payload); err != nil {
			logger.Debug("closing connection after write failure", "error", err)
			return
		}
	}
}
