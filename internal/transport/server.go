package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/freeCoder-ahl/Jupiter/internal/config"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/util"
)

// Server owns the listeners and every connection accepted from them.
// Frames arrive over plain TCP, over WebSocket, or both, and all of
// them feed the same EventHandler.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	handler  EventHandler
	connCfg  connConfig
	upgrader websocket.Upgrader

	nextID atomic.Uint64

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	tcpLn    net.Listener
	wsLn     net.Listener
	wsServer *http.Server

	inShutdown atomic.Bool
	connWG     sync.WaitGroup
}

// NewServer creates a Server from a validated configuration. The
// handler receives the event stream of every accepted connection.
func NewServer(cfg *config.Config, lg *logger.Logger, h EventHandler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if h == nil {
		return nil, fmt.Errorf("event handler cannot be nil")
	}

	s := &Server{
		cfg:     cfg,
		log:     lg,
		handler: h,
		connCfg: connConfig{
			highWatermark: *cfg.Transport.HighWatermark,
			lowWatermark:  *cfg.Transport.LowWatermark,
			readBufSize:   *cfg.Transport.ReadBufferSize,
			writeBufSize:  *cfg.Transport.WriteBufferSize,
			maxBodyBytes:  *cfg.Transport.MaxBodyBytes,
			eventQueue:    *cfg.Transport.EventQueueSize,
			idleTimeout:   cfg.Server.IdleTimeout.Std(),
			writeTimeout:  cfg.Transport.WriteTimeout.Std(),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  *cfg.Transport.ReadBufferSize,
			WriteBufferSize: *cfg.Transport.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
	return s, nil
}

// Listen binds the configured listeners. Call it once before Serve;
// tests bind port zero and read the results back from TCPAddr and
// WSAddr.
func (s *Server) Listen() error {
	maxConns := *s.cfg.Server.MaxConnections

	if addr := *s.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		s.tcpLn = netutil.LimitListener(ln, maxConns)
	}

	if s.cfg.Server.WSListenAddr != nil && *s.cfg.Server.WSListenAddr != "" {
		addr := *s.cfg.Server.WSListenAddr
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if s.tcpLn != nil {
				_ = s.tcpLn.Close()
				s.tcpLn = nil
			}
			return fmt.Errorf("listen websocket %s: %w", addr, err)
		}
		s.wsLn = netutil.LimitListener(ln, maxConns)
	}

	if s.tcpLn == nil && s.wsLn == nil {
		return fmt.Errorf("transport: no listen addresses configured")
	}
	return nil
}

// TCPAddr reports the bound TCP listener address, nil when not bound.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// WSAddr reports the bound WebSocket listener address, nil when not
// bound.
func (s *Server) WSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// ActiveConns reports the number of connections currently tracked.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts connections until ctx is cancelled or a listener fails
// fatally, then drains live connections within the shutdown grace and
// returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context) error {
	if s.tcpLn == nil && s.wsLn == nil {
		return fmt.Errorf("transport: Serve called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.tcpLn != nil {
		s.log.Info().
			Str("proto", "tcp").
			Str("addr", s.tcpLn.Addr().String()).
			Msg("accepting connections")
		g.Go(func() error { return s.acceptLoop(s.tcpLn) })
	}

	if s.wsLn != nil {
		mux := http.NewServeMux()
		mux.HandleFunc(*s.cfg.Server.WSPath, s.upgradeWS)
		s.mu.Lock()
		s.wsServer = &http.Server{Handler: mux}
		s.mu.Unlock()

		s.log.Info().
			Str("proto", "websocket").
			Str("addr", s.wsLn.Addr().String()).
			Str("path", *s.cfg.Server.WSPath).
			Msg("accepting connections")
		g.Go(func() error {
			if err := s.wsServer.Serve(s.wsLn); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.closeListeners()
		return nil
	})

	err := g.Wait()
	s.drainConns()
	if err != nil {
		return err
	}
	return ErrServerClosed
}

// acceptLoop accepts until the listener closes, retrying temporary
// failures with backoff the way net/http does.
func (s *Server) acceptLoop(ln net.Listener) error {
	var delay time.Duration
	for {
		sock, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() || util.IsClosedConnError(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay = util.NextAcceptDelay(delay)
				s.log.Warn().
					Err(err).
					Dur("retry_in", delay).
					Msg("accept failed, retrying")
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		delay = 0
		s.startConn(sock)
	}
}

func (s *Server) upgradeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("websocket upgrade failed")
		return
	}
	s.startConn(WrapWS(ws))
}

// startConn wraps an accepted socket in a Conn and hands it its own
// event-loop goroutine. Sockets accepted after shutdown began are
// closed unannounced.
func (s *Server) startConn(sock net.Conn) {
	c := newConn(s.nextID.Add(1), sock, s.connCfg)

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		defer s.removeConn(c)
		c.run(s.handler)
	}()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.inShutdown.Store(true)
	s.mu.Lock()
	tcpLn, ws := s.tcpLn, s.wsServer
	s.mu.Unlock()

	if tcpLn != nil {
		_ = tcpLn.Close()
	}
	// Closing the http.Server closes the WebSocket listener; upgraded
	// connections are hijacked and drain with the rest.
	if ws != nil {
		_ = ws.Close()
	}
}

// drainConns waits for live connections to finish, force-closing any
// that outlast the shutdown grace.
func (s *Server) drainConns() {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	if grace := s.cfg.Server.ShutdownGrace.Std(); grace > 0 {
		select {
		case <-done:
			return
		case <-time.After(grace):
			s.log.Warn().
				Int("remaining", s.ActiveConns()).
				Msg("shutdown grace elapsed, force closing connections")
		}
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	<-done
}
