package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/chorus/internal/metrics"
)

// Server owns the control socket and the shared state behind it.
type Server struct {
	state *ServerState
	log   *slog.Logger
	lis   *net.UnixListener
}

// New binds the control socket. A stale socket file from a previous run is
// removed first; a live one fails the bind and the error surfaces.
func New(opts Options, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, fmt.Errorf("server needs a socket path")
	}
	if err := os.Remove(opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: opts.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.SocketPath, err)
	}
	return &Server{
		state: NewState(opts, m, log),
		log:   log,
		lis:   lis,
	}, nil
}

// State exposes the shared state, mainly for tests and the metrics surface.
func (s *Server) State() *ServerState { return s.state }

// Serve accepts connections until ctx is cancelled, then tears everything
// down. Each connection gets its own goroutine; a crashing connection
// never takes the server with it.
func (s *Server) Serve(ctx context.Context) error {
	s.state.watcher.Start()
	s.log.Info("listening", "socket", s.lis.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.lis.Close()
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			conn, err := s.lis.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			sess := NewConnectionSession(s.state, conn)
			g.Go(func() error {
				stop := context.AfterFunc(ctx, func() { conn.Close() })
				defer stop()
				sess.Serve()
				return nil
			})
		}
	})

	err := g.Wait()
	s.state.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
