// Package server accepts guest calls on a Unix socket and answers them from
// the process and thread tables.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/danmuck/hostbridge/internal/admin"
	"github.com/danmuck/hostbridge/internal/dispatch"
	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/danmuck/hostbridge/internal/protocol/frame"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg        Config
	table      *proc.Table
	dispatcher *dispatch.Dispatcher
	reaper     *proc.Reaper

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New builds a server over table. A nil probe uses the host process table.
func New(cfg Config, table *proc.Table, probe proc.HostProbe) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	observability.RegisterEntryGauge(table.Processes.Name(), table.Processes.Len)
	observability.RegisterEntryGauge(table.Threads.Name(), table.Threads.Len)
	return &Server{
		cfg:        cfg,
		table:      table,
		dispatcher: dispatch.New(table),
		reaper:     proc.NewReaper(table, probe, cfg.ReapInterval),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Run listens on the configured socket and serves until ctx is done or one
// of the socket, reaper or admin loops fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, ln) })
	g.Go(func() error { return s.reaper.Run(ctx) })

	if s.cfg.AdminAddr != "" {
		httpSrv := admin.New(s.table, s.cfg.CORSOrigins).HTTPServer(s.cfg.AdminAddr)
		g.Go(func() error {
			log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Listen creates the call socket, replacing a stale socket file left behind
// by an earlier run.
func (s *Server) Listen() (*net.UnixListener, error) {
	path := s.cfg.SocketPath
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		_ = ln.Close()
		return nil, err
	}
	log.Info().Str("socket", path).Str("mode", s.cfg.SocketMode.String()).Msg("call socket listening")
	return ln, nil
}

// Serve accepts connections on ln until ctx is done. It closes ln and every
// open connection before returning.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAllConns()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.trackConn(ctx, conn) {
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	logger := log.With().Str("conn", uuid.NewString()).Logger()
	peer, err := readPeer(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("peer credentials unavailable")
	} else {
		logger = logger.With().Int32("peer_pid", peer.PID).Uint32("peer_uid", peer.UID).Logger()
	}
	observability.ConnectionOpened()
	logger.Debug().Msg("guest connected")
	defer func() {
		observability.ConnectionClosed()
		logger.Debug().Msg("guest disconnected")
	}()

	limits := s.cfg.Limits()
	reader := bufio.NewReader(conn)
	writer := newReplyWriter(conn, s.cfg.WriteTimeout, limits)

	var workers errgroup.Group
	workers.SetLimit(s.cfg.MaxInflight)
	defer workers.Wait()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		fr, err := frame.ReadFrame(reader, limits)
		if err != nil {
			logReadError(ctx, logger, err)
			return
		}
		if fr.Header.IsReply() {
			logger.Warn().Uint64("call_id", fr.Header.CallID).Msg("guest sent a reply frame")
			return
		}

		call := dispatch.Call{ID: fr.Header.CallID, Type: fr.Header.CallType, Peer: peer}
		fields, err := tlv.DecodeFields(fr.Payload)
		if err != nil {
			reply := dispatch.Reply{Type: call.Type, Err: err}
			if err := writer.write(reply.Frame(call.ID)); err != nil {
				logger.Warn().Err(err).Msg("write reply failed")
				return
			}
			continue
		}
		call.Fields = fields

		workers.Go(func() error {
			reply := s.dispatcher.Dispatch(ctx, call)
			if err := writer.write(reply.Frame(call.ID)); err != nil {
				logger.Warn().Err(err).Uint64("call_id", call.ID).Msg("write reply failed")
				_ = conn.Close()
			}
			return nil
		})
	}
}

func logReadError(ctx context.Context, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		return
	case isTimeout(err):
		logger.Debug().Msg("idle connection timed out")
	default:
		logger.Warn().Err(err).Msg("read frame failed")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// trackConn reports false once shutdown has started.
func (s *Server) trackConn(ctx context.Context, conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// replyWriter serializes replies from concurrent call workers onto one
// connection.
type replyWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	buf     *bufio.Writer
	timeout time.Duration
	limits  frame.Limits
}

func newReplyWriter(conn net.Conn, timeout time.Duration, limits frame.Limits) *replyWriter {
	return &replyWriter{
		conn:    conn,
		buf:     bufio.NewWriter(conn),
		timeout: timeout,
		limits:  limits,
	}
}

func (w *replyWriter) write(f frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if err := frame.WriteFrame(w.buf, f, w.limits); err != nil {
		return err
	}
	return w.buf.Flush()
}
