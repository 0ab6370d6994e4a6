package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

type State int32

const (
	Disabled State = iota
	AwaitingReply
	Enabled
)

func (state State) String() string {
	switch state {
	case Disabled:
		return "disabled"
	case AwaitingReply:
		return "awaiting-reply"
	case Enabled:
		return "enabled"
	default:
		return fmt.Sprintf("state(%d)", int32(state))
	}
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Port       int
	FieldWidth int
	// Timeout bounds the dial and the exchange. Zero blocks for as long as
	// the network stack does.
	Timeout time.Duration
	Order   binary.ByteOrder
}

func (cfg Config) withDefaults() Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.FieldWidth == 0 {
		cfg.FieldWidth = DefaultFieldWidth
	}
	if cfg.Order == nil {
		cfg.Order = binary.BigEndian
	}
	return cfg
}

// Client owns the client-enabled flag for one process run. Once enabled it
// never dials again; the accepted connection stays open until Close.
type Client struct {
	cfg    Config
	dialer Dialer
	logger log.Logger

	state   *atomic.Int32
	enabled *atomic.Bool

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(cfg Config, dialer Dialer, logger log.Logger) *Client {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		logger:  logger,
		state:   atomic.NewInt32(int32(Disabled)),
		enabled: atomic.NewBool(false),
	}
}

func (client *Client) Enabled() bool {
	return client.enabled.Load()
}

func (client *Client) State() State {
	return State(client.state.Load())
}

// Conn is the accepted session, or nil while disabled.
func (client *Client) Conn() net.Conn {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.conn
}

// Enable runs the handshake against peer. It returns nil without dialing
// when the client is already enabled. A non-accepting reply is ErrRejected.
// Every failure closes the connection and leaves the client disabled.
func (client *Client) Enable(ctx context.Context, peer net.IP, titleID string) error {
	if client.enabled.Load() {
		return nil
	}

	if client.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.cfg.Timeout)
		defer cancel()
	}

	address := net.JoinHostPort(peer.String(), strconv.Itoa(client.cfg.Port))
	conn, err := client.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("handshake: dial %s: %w", address, err)
	}

	reply, err := client.exchange(ctx, conn, titleID)
	if err != nil {
		client.state.Store(int32(Disabled))
		_ = conn.Close()
		return fmt.Errorf("handshake: %s: %w", address, err)
	}
	if reply != AcceptCode {
		client.state.Store(int32(Disabled))
		_ = conn.Close()
		level.Debug(client.logger).Log("msg", "handshake rejected", "peer", address, "reply", fmt.Sprintf("0x%04X", reply))
		return fmt.Errorf("%w: reply 0x%04X from %s", ErrRejected, reply, address)
	}

	client.mu.Lock()
	client.conn = conn
	client.mu.Unlock()
	client.enabled.Store(true)
	client.state.Store(int32(Enabled))
	level.Info(client.logger).Log("msg", "client connected", "peer", address, "title", titleID)
	return nil
}

func (client *Client) exchange(ctx context.Context, conn net.Conn, titleID string) (reply uint16, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		// A started AfterFunc may still expire the deadline after it is
		// cleared here, so the connection cannot be kept.
		if !stop() {
			reply, err = 0, errors.Join(err, context.Cause(ctx))
			return
		}
		_ = conn.SetDeadline(time.Time{})
	}()

	if _, err := conn.Write(EncodeHello(titleID, client.cfg.FieldWidth)); err != nil {
		return 0, fmt.Errorf("send hello: %w", err)
	}
	client.state.Store(int32(AwaitingReply))

	return readReply(conn, client.cfg.Order)
}

// Close drops the accepted session. The enabled flag is left as is; it only
// resets with a new Client.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.conn == nil {
		return nil
	}
	err := client.conn.Close()
	client.conn = nil
	return err
}
