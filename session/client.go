package session

import (
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosedByServer  = errors.New("server closed the session")
	ErrConnectRefused  = errors.New("namespace connection refused")
	ErrHandshake       = errors.New("handshake failed")
	defaultPingTimeout = 20 * time.Second
)

type Config struct {
	URL              string
	Namespace        string
	MaxRetries       int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	Observer         Observer
}

// Handler receives decoded server events. Calls come from the reader
// goroutine.
type Handler interface {
	HandleAuth(iface.AuthResponse)
	HandleDelete(iface.DeleteResponse)
	// HandleDisconnect reports an unrequested loss of the connection.
	HandleDisconnect(err error)
}

type Observer interface {
	Connected(attempts int)
	ConnectFailed(attempts int, err error)
	Received(event string)
	Emitted(event string)
}

type nopObserver struct{}

func (nopObserver) Connected(int)            {}
func (nopObserver) ConnectFailed(int, error) {}
func (nopObserver) Received(string)          {}
func (nopObserver) Emitted(string)           {}

// Client is one Socket.IO connection over a websocket transport.
type Client struct {
	cfg     Config
	handler Handler
	obs     Observer
	log     *zap.Logger

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu         sync.Mutex
	state      iface.SessionState
	conn       *websocket.Conn
	sid        string
	done       chan struct{}
	life       context.Context
	cancelLife context.CancelFunc
}

func New(cfg Config, handler Handler, log *zap.Logger) *Client {
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	life, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		handler:    handler,
		obs:        cfg.Observer,
		log:        log.Named("session"),
		life:       life,
		cancelLife: cancel,
	}
}

func (c *Client) State() iface.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Connect opens the session unless it is already open. Concurrent callers
// wait for the attempt in progress. After MaxRetries failed reconnection
// attempts it returns a *iface.ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == iface.SessionOpen {
		c.mu.Unlock()
		return nil
	}
	if c.life.Err() != nil {
		c.life, c.cancelLife = context.WithCancel(context.Background())
	}
	life := c.life
	c.state = iface.SessionConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	endpoint, err := c.endpoint()
	if err != nil {
		c.fail(life)
		return &iface.ConnectionError{URL: c.cfg.URL, Attempts: 0, Err: err}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryDelay
	eb.MaxInterval = 5 * c.cfg.RetryDelay
	eb.MaxElapsedTime = 0
	maxRetries := c.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := c.dial(ctx, life, endpoint)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrConnectRefused) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("session connect attempt failed", zap.Int("attempt", attempts),
			zap.Duration("retryIn", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		c.fail(life)
		c.obs.ConnectFailed(attempts, err)
		c.log.Error("session connect failed", zap.String("url", c.cfg.URL), zap.Int("attempts", attempts), zap.Error(err))
		return &iface.ConnectionError{URL: c.cfg.URL, Attempts: attempts, Err: err}
	}
	c.obs.Connected(attempts)
	c.log.Info("session open", zap.String("sid", c.SID()), zap.Int("attempts", attempts))
	return nil
}

func (c *Client) fail(life context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.life == life && c.state == iface.SessionConnecting {
		c.state = iface.SessionFailed
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial runs one attempt: websocket upgrade, Engine.IO open, namespace connect.
func (c *Client) dial(ctx, life context.Context, endpoint string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(attemptCtx, endpoint, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: status %d: %v", ErrHandshake, resp.StatusCode, err)
		}
		return err
	}
	// unblock reads if the attempt is abandoned
	abort := context.AfterFunc(attemptCtx, func() { _ = conn.Close() })
	if deadline, ok := attemptCtx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	open, err := c.handshake(conn)
	if !abort() {
		_ = conn.Close()
		if err == nil {
			err = attemptCtx.Err()
		}
		return err
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.life != life || life.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return context.Canceled
	}
	done := make(chan struct{})
	c.conn = conn
	c.sid = open.Sid
	c.done = done
	c.state = iface.SessionOpen
	c.mu.Unlock()

	go c.readLoop(conn, done, pingWindow(open))
	return nil
}

func pingWindow(open openPayload) time.Duration {
	if open.PingInterval <= 0 {
		return defaultPingTimeout * 2
	}
	timeout := time.Duration(open.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return time.Duration(open.PingInterval)*time.Millisecond + timeout
}

func (c *Client) handshake(conn *websocket.Conn) (openPayload, error) {
	var open openPayload
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("%w: read open: %v", ErrHandshake, err)
	}
	p, err := decodePacket(msg)
	if err != nil || p.eio != eioOpen {
		return open, fmt.Errorf("%w: expected open packet, got %q", ErrHandshake, msg)
	}
	if err := json.Unmarshal(p.data, &open); err != nil {
		return open, fmt.Errorf("%w: open payload: %v", ErrHandshake, err)
	}

	if err := c.write(conn, encodeConnect(c.cfg.Namespace)); err != nil {
		return open, fmt.Errorf("%w: send connect: %v", ErrHandshake, err)
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("%w: read connect: %v", ErrHandshake, err)
		}
		p, err := decodePacket(msg)
		if err != nil {
			return open, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch {
		case p.eio == eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				return open, err
			}
		case p.eio == eioMessage && p.sio == sioConnect:
			var cp connectPayload
			_ = json.Unmarshal(p.data, &cp)
			if cp.Sid != "" {
				open.Sid = cp.Sid
			}
			return open, nil
		case p.eio == eioMessage && p.sio == sioConnectError:
			var cp connectPayload
			_ = json.Unmarshal(p.data, &cp)
			return open, fmt.Errorf("%w: %s", ErrConnectRefused, cp.Message)
		case p.eio == eioClose:
			return open, ErrClosedByServer
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, window time.Duration) {
	defer close(done)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(window))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		p, err := decodePacket(msg)
		if err != nil {
			c.log.Warn("dropping packet", zap.Error(err))
			continue
		}
		switch p.eio {
		case eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				c.lost(conn, err)
				return
			}
		case eioClose:
			c.lost(conn, ErrClosedByServer)
			return
		case eioMessage:
			switch p.sio {
			case sioEvent:
				c.dispatch(p.data)
			case sioDisconnect:
				c.lost(conn, ErrClosedByServer)
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	name, args, err := decodeEvent(data)
	if err != nil {
		c.log.Warn("dropping event", zap.Error(err))
		return
	}
	c.obs.Received(name)
	var raw []byte
	if len(args) > 0 {
		raw = args[0]
	}
	switch name {
	case EventAuthResponse:
		res, err := decodeAuthResponse(raw)
		if err != nil {
			c.log.Warn("invalid auth response", zap.Error(err))
			res = iface.AuthResponse{Kind: iface.AuthError, Reason: "invalid response from server"}
		}
		c.handler.HandleAuth(res)
	case EventDeleteResponse:
		res, err := decodeDeleteResponse(raw)
		if err != nil {
			c.log.Warn("invalid delete response", zap.Error(err))
			res = iface.DeleteResponse{Kind: iface.DeleteFailed, Reason: "invalid response from server"}
		}
		c.handler.HandleDelete(res)
	default:
		c.log.Debug("ignoring event", zap.String("event", name))
	}
}

// lost handles a connection that went away without Close.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = iface.SessionClosed
	c.mu.Unlock()
	_ = conn.Close()
	c.log.Warn("session lost", zap.Error(err))
	c.handler.HandleDisconnect(err)
}

// Emit sends one authenticate event.
func (c *Client) Emit(ctx context.Context, req iface.AuthenticateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	open := c.state == iface.SessionOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return iface.ErrNotConnected
	}
	msg, err := encodeEvent(c.cfg.Namespace, EventAuthenticate, req)
	if err != nil {
		return err
	}
	if err := c.write(conn, msg); err != nil {
		c.lost(conn, err)
		return fmt.Errorf("emit %s: %w", EventAuthenticate, err)
	}
	c.obs.Emitted(EventAuthenticate)
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Close disconnects and waits for the reader. Safe to call repeatedly; a
// later Connect dials a new session.
func (c *Client) Close() error {
	c.mu.Lock()
	c.cancelLife()
	conn, done := c.conn, c.done
	c.conn = nil
	c.done = nil
	c.state = iface.SessionClosed
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = c.write(conn, encodeDisconnect(c.cfg.Namespace))
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	if done != nil {
		<-done
	}
	c.log.Info("session closed")
	return err
}
