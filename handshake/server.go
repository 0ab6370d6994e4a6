package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

type ServerConfig struct {
	FieldWidth int
	Order      binary.ByteOrder
	// Allow lists the title identifiers that are accepted. Empty accepts
	// every title.
	Allow []string
	// HelloTimeout bounds how long a client may take to identify itself.
	HelloTimeout time.Duration
}

// Server is the remote end of the handshake. Accepted sessions are passed
// to OnAccept, which owns the connection from then on; without a handler the
// session is drained until the client hangs up.
type Server struct {
	cfg    ServerConfig
	logger log.Logger
	allow  map[string]struct{}

	OnAccept func(ctx context.Context, titleID string, conn net.Conn)

	accepted *atomic.Int64
	rejected *atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg ServerConfig, logger log.Logger) *Server {
	if cfg.FieldWidth == 0 {
		cfg.FieldWidth = DefaultFieldWidth
	}
	if cfg.Order == nil {
		cfg.Order = binary.BigEndian
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	allow := make(map[string]struct{}, len(cfg.Allow))
	for _, id := range cfg.Allow {
		allow[id] = struct{}{}
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		allow:    allow,
		accepted: atomic.NewInt64(0),
		rejected: atomic.NewInt64(0),
		conns:    make(map[net.Conn]struct{}),
	}
}

func (server *Server) Accepted() int64 { return server.accepted.Load() }
func (server *Server) Rejected() int64 { return server.rejected.Load() }

func (server *Server) allowed(titleID string) bool {
	if len(server.allow) == 0 {
		return true
	}
	_, ok := server.allow[titleID]
	return ok
}

// Serve accepts connections until ctx is done, then closes the listener and
// every open session and waits for their handlers to return.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
		server.closeAll()
	})
	defer stop()

	var err error
	for {
		var conn net.Conn
		conn, err = listener.Accept()
		if err != nil {
			break
		}
		if !server.track(conn) {
			_ = conn.Close()
			continue
		}
		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			defer server.untrack(conn)
			server.handle(ctx, conn)
		}()
	}

	server.closeAll()
	server.wg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("handshake: accept: %w", err)
}

func (server *Server) handle(ctx context.Context, conn net.Conn) {
	logger := log.With(server.logger, "remote", conn.RemoteAddr().String())

	if server.cfg.HelloTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(server.cfg.HelloTimeout))
	}
	titleID, err := ReadHello(conn, server.cfg.FieldWidth)
	if err != nil {
		level.Warn(logger).Log("msg", "bad hello", "err", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if !server.allowed(titleID) {
		server.rejected.Inc()
		level.Info(logger).Log("msg", "rejecting title", "title", titleID)
		_, _ = conn.Write(encodeReply(RejectCode, server.cfg.Order))
		_ = conn.Close()
		return
	}

	server.accepted.Inc()
	if _, err := conn.Write(encodeReply(AcceptCode, server.cfg.Order)); err != nil {
		level.Warn(logger).Log("msg", "send accept", "title", titleID, "err", err)
		_ = conn.Close()
		return
	}
	level.Info(logger).Log("msg", "client enabled", "title", titleID)

	if server.OnAccept != nil {
		server.OnAccept(ctx, titleID, conn)
		return
	}
	_, _ = io.Copy(io.Discard, conn)
	_ = conn.Close()
}

func (server *Server) track(conn net.Conn) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conns == nil {
		return false
	}
	server.conns[conn] = struct{}{}
	return true
}

func (server *Server) untrack(conn net.Conn) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conns != nil {
		delete(server.conns, conn)
	}
}

func (server *Server) closeAll() {
	server.mu.Lock()
	defer server.mu.Unlock()
	for conn := range server.conns {
		_ = conn.Close()
	}
	server.conns = nil
}
