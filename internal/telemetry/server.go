package telemetry

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"github.com/InstanceGaming/atsc/internal/model"
)

// Server broadcasts snapshots to every attached monitoring client. A peer
// disconnect is recovered locally: the connection is dropped and snapshots
// are simply not delivered until a new subscriber attaches.
type Server struct {
	bind   string
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	commands chan Command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(bind string, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bind:     bind,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
		commands: make(chan Command, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Commands returns the channel of client requests. The runtime drains it
// inside the tick.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// Start begins accepting subscribers.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.bind, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, for tests that bind port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("WARN telemetry accept error=%v", err)
				continue
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

// readLoop parses inbound command frames until the peer goes away.
func (s *Server) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer s.drop(conn)

	for {
		var cmd Command
		if err := ReadFrame(conn, &cmd); err != nil {
			return
		}
		if cmd.ProtocolVersion != ProtocolVersion {
			s.logger.Printf("WARN telemetry protocol mismatch from %s", conn.RemoteAddr())
			return
		}
		if cmd.Command == CommandPing {
			continue
		}
		select {
		case s.commands <- cmd:
		default:
			// Command backlog full; the client can resend.
		}
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

// Publish encodes the snapshot once and writes it to every subscriber.
// Write failures drop the subscriber.
func (s *Server) Publish(snap model.Snapshot) {
	data, err := sonnet.Marshal(snap)
	if err != nil {
		s.logger.Printf("ERROR telemetry marshal error=%v", err)
		return
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := WriteRawFrame(conn, data); err != nil {
			s.drop(conn)
		}
	}
}

// Stop closes the listener and every subscriber connection.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
