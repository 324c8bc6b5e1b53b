package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var ErrNoFreePort = errors.New("transport: no free port in configured range")

type Config struct {
	// PortMin and PortMax bound the listener's port walk. The first port
	// that binds wins; discovery announces it, so two engines on one host
	// naturally land on neighboring ports.
	PortMin uint16
	PortMax uint16
}

func WithDefaultConfig() *Config {
	return &Config{
		PortMin: 50001,
		PortMax: 50100,
	}
}

type Opts struct {
	// Handler is invoked on its own goroutine for every accepted
	// connection. The handler owns the connection and must close it.
	Handler func(conn net.Conn)

	Config *Config
	Logger *slog.Logger
}

// Server is the packet listener: every control packet and file stream a
// peer sends us arrives through one short-lived connection accepted here.
type Server struct {
	log     *slog.Logger
	ln      net.Listener
	port    uint16
	handler func(net.Conn)

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewServer binds the first free port in the configured range.
func NewServer(opts *Opts) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("transport: connection handler missing")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var ln net.Listener
	for p := int(cfg.PortMin); p <= int(cfg.PortMax); p++ {
		var err error
		ln, err = net.Listen("tcp4", fmt.Sprintf(":%d", p))
		if err == nil {
			break
		}
		ln = nil
	}
	if ln == nil {
		return nil, fmt.Errorf("%w (%d-%d)", ErrNoFreePort, cfg.PortMin, cfg.PortMax)
	}

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	log := logger.With("source", "transport")
	log.Info("listener bound", "port", port)

	return &Server{
		log:     log,
		ln:      ln,
		port:    port,
		handler: opts.Handler,
	}, nil
}

// Port is the bound TCP port, for discovery announcements.
func (s *Server) Port() uint16 { return s.port }

// Run accepts connections until ctx is cancelled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		return nil
	})

	return g.Wait()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.ln.Close()
		s.log.Info("listener stopped")
	})
}

func (s *Server) acceptLoop(ctx context.Context) error {
	l := s.log.With("component", "accept loop")
	l.Debug("started")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			l.Warn("accept failed", "error", err)
			continue
		}

		go s.handler(conn)
	}
}
