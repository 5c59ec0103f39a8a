package protos

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"simple-stm/pkg/engines"
	"simple-stm/pkg/logger"
)

type Server struct {
	Hostname string
	Port     string
	Listener net.Listener
	Engine   *engines.StringEngine

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(engine *engines.StringEngine, hostname string, port string) *Server {
	return &Server{
		Hostname: hostname,
		Port:     port,
		Listener: nil,
		Engine:   engine,
		conns:    map[net.Conn]struct{}{},
	}
}

func (s *Server) Listen() (err error) {
	addr := net.JoinHostPort(s.Hostname, s.Port)
	s.Listener, err = net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	logger.Inst.Infow("server listening", "addr", s.Listener.Addr().String())
	return nil
}

// Serve accepts connections until the listener is closed. Each connection gets
// its own handler and session.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		handler := NewHandler(s.Engine)
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			handler.Handle(ctx, conn)
		}()
	}
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) track(conn net.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Close stops accepting, hangs up on every client and waits for the handlers.
// Interactive transactions still open are aborted.
func (s *Server) Close() error {
	if s.Listener == nil {
		return nil
	}
	err := s.Listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
