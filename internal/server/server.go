// Package server owns the TCP listener and the per-connection handlers
// that parse RESP frames, dispatch commands against the shared store and
// pub/sub registry, and write responses.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"respkv/internal/config"
	"respkv/internal/metrics"
	"respkv/internal/pubsub"
	"respkv/internal/store"
)

// Server accepts client connections and spawns one handler goroutine per
// client. Handlers share the store and the pub/sub registry.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	store    *store.Store
	registry *pubsub.Registry
	metrics  *metrics.Registry

	listener net.Listener
	limiter  *rate.Limiter
	wg       sync.WaitGroup
	nextID   atomic.Uint64
	active   atomic.Int64

	cancel context.CancelFunc
}

func New(cfg config.Config, log *zap.Logger, st *store.Store, reg *pubsub.Registry, m *metrics.Registry) *Server {
	acceptRate := cfg.Limits.AcceptRate
	if acceptRate <= 0 {
		acceptRate = float64(rate.Inf)
	}
	burst := cfg.Limits.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(acceptRate), burst),
	}
}

// Start binds the listener and launches the accept loop. It returns an
// error when the bind fails.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("role", string(s.cfg.Replication.Role)))

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Addr returns the bound listener address, for callers that started the
// server on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop stops accepting, cancels in-flight handlers and waits for them to
// drain. Blocked readers observe the cancellation, close their own
// waiters and return their timeout shape before exiting.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("server stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		// Pace accepts; the limiter only fails when the context ends.
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		sock, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.metrics.AcceptErrors.Inc()
			s.log.Error("accept error", zap.Error(err))
			return
		}

		if max := s.cfg.Limits.MaxConnections; max > 0 && s.active.Load() >= int64(max) {
			s.metrics.ConnectionsOverLimit.Inc()
			s.log.Warn("connection limit reached, rejecting client",
				zap.String("remote", sock.RemoteAddr().String()))
			_, _ = sock.Write([]byte("-ERR max number of clients reached\r\n"))
			_ = sock.Close()
			continue
		}

		id := s.nextID.Add(1)
		s.active.Add(1)
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.active.Add(-1)
				s.metrics.ConnectionsActive.Dec()
			}()
			s.handleConn(ctx, id, sock)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, id uint64, sock net.Conn) {
	log := s.log.With(
		zap.Uint64("conn_id", id),
		zap.String("remote", sock.RemoteAddr().String()))
	log.Debug("client connected")

	mb := pubsub.NewMailbox()
	s.registry.Register(id, mb)
	defer func() {
		s.registry.Unregister(id)
		_ = sock.Close()
		log.Debug("client disconnected")
	}()

	c := newConn(id, sock, mb, s, log)
	c.run(ctx)
}
