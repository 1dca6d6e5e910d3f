// Package gatewayserver owns the MySQL client listener's accept loop
// and per-connection goroutine dispatch: a single MySQL listener, no
// TLS negotiation, one frontend.Connection and goroutine per accept.
package gatewayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/relaydb/mxgateway/internal/frontend"
)

// Server accepts client connections and drives each through
// frontend.Connection.Serve in its own goroutine.
type Server struct {
	opts frontend.Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server that will serve accepted connections with opts.
func New(opts frontend.Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{opts: opts, ctx: ctx, cancel: cancel}
}

// Listen starts accepting MySQL client connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gatewayserver: listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("mysql frontend listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := frontend.NewConnection(conn, s.opts)
			if err := c.Serve(s.ctx); err != nil {
				slog.Warn("connection terminated", "err", err)
			}
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to
// finish their current operation and return.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}
