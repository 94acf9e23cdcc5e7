package xvc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// Shifter executes one shift against the cable. Implementations serialize
// device access themselves; the server calls Shift from one goroutine per
// connection.
type Shifter interface {
	Shift(ctx context.Context, req jtag.ShiftRequest) (jtag.ShiftResult, error)
}

// Server accepts XVC clients and forwards their shifts to a Shifter. A Server
// serves a single listener; it is not reusable after Serve returns.
type Server struct {
	Shifter Shifter
	Logger  *zap.Logger
	// Verbosity gates diagnostics: 1 connection lifecycle, 2 TAP tracking,
	// 3 vector dumps.
	Verbosity int
	// MaxVectorBits caps the bit count of one request; zero means
	// jtag.MaxShiftBits.
	MaxVectorBits int
	// IRFix enables ApplyIRFix on every request.
	IRFix bool

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("xvc: listen on %s: %w", addr, err)
	}
	s.logger().Info("listening", zap.String("addr", ln.Addr().String()))
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails. On
// cancellation the listener and every open connection are closed; a shift in
// progress on the cable is allowed to complete. Serve returns once all
// connection goroutines have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Shifter == nil {
		return errors.New("xvc: server has no shifter")
	}
	log := s.logger()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.closeAll()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("xvc: accept: %w", err)
			}
			if s.Verbosity >= 1 {
				log.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()))
			}
			if !s.track(conn) {
				continue
			}
			g.Go(func() error {
				defer s.untrack(conn)
				s.handle(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	log.Info("server stopped")
	return err
}

// ActiveConnections reports the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		conn.Close()
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	if len(s.conns) == 1 && s.Verbosity >= 1 {
		s.logger().Debug("first connection")
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.Close()
	delete(s.conns, conn)
	if len(s.conns) == 0 && s.Verbosity >= 1 {
		s.logger().Debug("last connection")
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}

// handle serves one client until it disconnects or misbehaves. Any error
// drops the connection so the client resynchronizes from scratch.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := s.logger().With(
		zap.String("conn", uuid.New().String()[:8]),
		zap.String("remote", conn.RemoteAddr().String()))
	tracker := tap.NewTracker()

	n, err := s.serveConn(ctx, conn, tracker, log)
	switch {
	case err == nil || ctx.Err() != nil:
		if s.Verbosity >= 1 {
			log.Debug("connection closed", zap.Int("requests", n))
		}
	default:
		log.Warn("connection aborted", zap.Int("requests", n), zap.Error(err))
	}

	if tracker.Synced() && tracker.State() != tap.StateTestLogicReset {
		// Observed only; clients routinely leave the TAP in Run-Test/Idle.
		if s.Verbosity >= 2 {
			log.Debug("connection left TAP outside Test-Logic-Reset",
				zap.Stringer("state", tracker.State()))
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, tracker *tap.Tracker, log *zap.Logger) (int, error) {
	for n := 0; ; n++ {
		req, err := ReadRequest(conn, s.MaxVectorBits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}

		if s.Verbosity >= 3 {
			log.Debug("shift request",
				zap.Int("bits", req.Bits),
				zap.String("tms", hex.EncodeToString(req.TMS)),
				zap.String("tdi", hex.EncodeToString(req.TDI)))
		}
		if s.IRFix && ApplyIRFix(&req) {
			log.Debug("rewrote bogus iMPACT instruction register")
		}
		if s.Verbosity >= 2 && req.Bits > jtag.TMSMoveMaxBits && tracker.Synced() && !tracker.State().IsShift() {
			log.Debug("data shift outside a shift state",
				zap.Int("bits", req.Bits),
				zap.Stringer("state", tracker.State()))
		}

		res, err := s.Shifter.Shift(ctx, req)
		if err != nil {
			return n, fmt.Errorf("xvc: shift of %d bits: %w", req.Bits, err)
		}
		tracker.Follow(req.TMS, req.Bits)

		if err := WriteResult(conn, res, req.Bits); err != nil {
			return n, err
		}
	}
}
