// Package listener accepts client TCP (and optionally TLS) sockets and
// dispatches each accepted connection to a handler task, one goroutine
// per connection (spec.md "Listener / dispatch").
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Handle processes one accepted client connection. It owns conn for the
// lifetime of the call and is responsible for closing it.
type Handle func(ctx context.Context, conn net.Conn) error

// Config configures the plain and (optional) TLS listeners.
type Config struct {
	// Addr is the plain-TCP bind address, e.g. "0.0.0.0:5432". Always
	// started — a client on this port may still negotiate TLS in-band
	// via SSLRequest (spec.md §4.2); this listener does not wrap
	// connections itself.
	Addr string

	// TLSAddr, when non-empty, starts a second listener that terminates
	// TLS at accept time using TLSConfig (spec.md §4.2 "TLS server
	// accepts tls_port when configured; the plain listener on the main
	// port remains active").
	TLSAddr   string
	TLSConfig *tls.Config

	Handle Handle
}

// Server runs the accept loops and tracks in-flight connection handlers
// so Stop can wait for them to finish.
type Server struct {
	cfg Config

	ln    net.Listener
	tlsLn net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Server. Call Start to bind and begin accepting.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start binds the configured listener(s) and spawns their accept loops.
// It returns once both listeners are bound; accepting happens in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	slog.Info("listener started", "addr", s.cfg.Addr, "tls", false)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	if s.cfg.TLSAddr == "" {
		return nil
	}

	tlsLn, err := tls.Listen("tcp", s.cfg.TLSAddr, s.cfg.TLSConfig)
	if err != nil {
		s.ln.Close()
		s.cancel()
		s.wg.Wait()
		return err
	}
	s.tlsLn = tlsLn
	slog.Info("listener started", "addr", s.cfg.TLSAddr, "tls", true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(tlsLn)
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
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.cfg.Handle(s.ctx, conn); err != nil {
				slog.Warn("connection ended with error", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// Stop cancels the shared context, closes both listeners so their
// accept loops unblock, and waits for every in-flight handler goroutine
// to return. Individual handler tasks are responsible for noticing
// context cancellation and tearing down their own streams promptly
// (handler.Handle does this via its cancellation-watcher goroutine).
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	if s.tlsLn != nil {
		s.tlsLn.Close()
	}
	s.wg.Wait()
	slog.Info("listener stopped", "addr", s.cfg.Addr)
}
