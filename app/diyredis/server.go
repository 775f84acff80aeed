package diyredis

import (
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/oxblood/respd/app/diyredis/blocking"
	"github.com/oxblood/respd/app/diyredis/keyspace"
)

// Server accepts TCP connections and spins up one Session per connection,
// all sharing one Keyspace and one blocking Coordinator.
type Server struct {
	Addr string
	Log  *logrus.Logger

	listener net.Listener
	quitch   chan os.Signal
	wg       sync.WaitGroup
	ks       *keyspace.Keyspace
	coord    *blocking.Coordinator
}

// MakeServer constructs a Server bound to addr (not yet listening), using
// log for all structured output.
func MakeServer(addr string, log *logrus.Logger) *Server {
	return &Server{
		Addr:   addr,
		Log:    log,
		quitch: make(chan os.Signal, 1),
		ks:     keyspace.New(),
		coord:  blocking.New(),
	}
}

// Start binds the listener, serves connections in the background, and
// blocks until SIGINT/SIGTERM, then drains in-flight connections before
// returning.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.Log.WithField("addr", s.Addr).Info("listening")

	go s.serve()
	signal.Notify(s.quitch, syscall.SIGINT, syscall.SIGTERM)

	<-s.quitch // blocks until shutdown is requested
	s.Log.Info("shutting down")
	listener.Close()
	s.wg.Wait()
	s.Log.Info("shutdown complete")
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return // listener closed during shutdown
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connLog := s.Log.WithField("remote_addr", conn.RemoteAddr().String())
	connLog.Debug("connection opened")
	defer connLog.Debug("connection closed")

	session := NewSession(conn, s.ks, s.coord, connLog)
	session.Run()
}
