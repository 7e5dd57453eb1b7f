package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"
)

// -------------------------------------------------------------------------
// TLS Listener
// -------------------------------------------------------------------------

// DefaultListenAddr is the port stock firmware dials after DNS
// redirection of the vendor cloud hostname.
const DefaultListenAddr = ":23779"

// DefaultMaxConns bounds concurrent device connections. Residential
// meshes run a handful of WiFi bridges; 8 is generous.
const DefaultMaxConns = 8

// ErrListenerClosed is returned by Serve after a graceful stop.
var ErrListenerClosed = errors.New("listener closed")

// ServerConfig configures the accept loop.
type ServerConfig struct {
	// Addr is the TCP listen address. Empty means DefaultListenAddr.
	Addr string

	// TLS is the server-side TLS configuration. Devices do not verify
	// the certificate chain, but the handshake itself is mandatory.
	TLS *tls.Config

	// MaxConns caps concurrent sessions; excess accepts are refused.
	// Zero means DefaultMaxConns.
	MaxConns int

	// Allowlist restricts which source addresses may connect. Empty
	// means allow all. Entries are IPs or CIDR prefixes.
	Allowlist []netip.Prefix

	// BlackholeDelay, when positive, holds disallowed connections open
	// and silent for this long before closing. Stock firmware backs off
	// a dead-but-connected cloud far longer than a refused dial, which
	// keeps rejected devices from hammering the listener.
	BlackholeDelay time.Duration

	// Session carries the per-session collaborators.
	Session Config
}

// ParseAllowlist converts a list of IP or CIDR strings into prefixes.
// A bare IP becomes a single-address prefix.
func ParseAllowlist(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Server accepts device connections and hands each one to a Session.
type Server struct {
	cfg     ServerConfig
	manager *Manager
	logger  *slog.Logger

	listener net.Listener
}

// NewServer creates a server; Serve starts it.
func NewServer(cfg ServerConfig, manager *Manager, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultListenAddr
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	return &Server{cfg: cfg, manager: manager, logger: logger}
}

// Serve listens and accepts until ctx is canceled, then stops accepting,
// closes every session, and waits for their readers to exit. The TLS
// handshake itself happens lazily on the session's first read, so a dial
// that never speaks costs one goroutine until the handshake timeout.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = tls.NewListener(ln, s.cfg.TLS)
	s.logger.Info("device listener started",
		slog.String("addr", s.cfg.Addr),
		slog.Int("max_conns", s.cfg.MaxConns),
	)

	// Closing the listener unblocks Accept when ctx fires.
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.handleAccept(gctx, g, conn)
	}

	s.manager.CloseAll()
	if err := g.Wait(); err != nil {
		s.logger.Warn("session group", slog.String("error", err.Error()))
	}
	s.logger.Info("device listener stopped")
	return ErrListenerClosed
}

// handleAccept applies the allowlist and connection cap, then starts a
// session for the connection.
func (s *Server) handleAccept(ctx context.Context, g *errgroup.Group, conn net.Conn) {
	peer := conn.RemoteAddr().String()

	if !s.allowed(conn.RemoteAddr()) {
		s.logger.Warn("connection not in allowlist", slog.String("peer", peer))
		s.discard(g, conn)
		return
	}
	if s.manager.Count() >= s.cfg.MaxConns {
		s.logger.Warn("connection limit reached, refusing",
			slog.String("peer", peer),
			slog.Int("limit", s.cfg.MaxConns),
		)
		s.discard(g, conn)
		return
	}

	connID, queueID := s.manager.NextIDs()
	sess := New(conn, connID, queueID, s.logger, s.cfg.Session)
	s.manager.Track(sess)
	g.Go(func() error {
		sess.Run(ctx)
		return nil
	})
}

// discard drops a refused connection, optionally blackholing it first.
func (s *Server) discard(g *errgroup.Group, conn net.Conn) {
	if s.cfg.BlackholeDelay <= 0 {
		_ = conn.Close()
		return
	}
	delay := s.cfg.BlackholeDelay
	g.Go(func() error {
		// Read until the peer gives up or the delay elapses; never reply.
		_ = conn.SetReadDeadline(time.Now().Add(delay))
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				break
			}
		}
		_ = conn.Close()
		return nil
	})
}

// allowed reports whether the remote address passes the allowlist.
func (s *Server) allowed(addr net.Addr) bool {
	if len(s.cfg.Allowlist) == 0 {
		return true
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return false
	}
	ip = ip.Unmap()
	for _, p := range s.cfg.Allowlist {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
