// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"jitdex.org/jitmaker/dex"
)

const (
	// writeWait is the maximum time to write to a connection.
	writeWait = 5 * time.Second

	// DefaultRequestTimeout is the response timeout for Request when WsCfg
	// does not specify one.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultReconnectWait is the initial delay between reconnect attempts.
	DefaultReconnectWait = 2 * time.Second

	maxReconnectWait = time.Minute

	// subscriptionBuffer is the notification buffer of each subscription.
	subscriptionBuffer = 256
)

const (
	// ErrNotConnected is returned when sending while there is no live
	// websocket connection.
	ErrNotConnected = dex.ErrorKind("websocket not connected")
	// ErrConnectionLost is the terminal error after reconnect attempts are
	// exhausted.
	ErrConnectionLost = dex.ErrorKind("websocket connection lost")
	// ErrRequestTimeout is returned when a response is not received in time.
	ErrRequestTimeout = dex.ErrorKind("request timed out")
)

// ConnectionStatus represents the current status of the websocket connection.
type ConnectionStatus uint32

const (
	Disconnected ConnectionStatus = iota
	Connected
)

// String gives a human readable string for the connection status.
func (cs ConnectionStatus) String() string {
	switch cs {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown status"
	}
}

// WsCfg is the configuration struct for initializing a WsConn.
type WsCfg struct {
	// URL is the websocket endpoint, e.g. wss://api.example.com.
	URL string
	// PingWait is the maximum time to wait for a ping or pong from the
	// server. Pings are sent at half this interval. Zero disables deadlines.
	PingWait time.Duration
	// CertFile is an optional path to a PEM certificate to trust.
	CertFile string
	// RequestTimeout bounds the wait for a response to Request.
	RequestTimeout time.Duration
	// ReconnectWait is the initial delay before a reconnect attempt. It
	// doubles after each failure.
	ReconnectWait time.Duration
	// MaxReconnects is the number of consecutive failed reconnect attempts
	// after which the connection is abandoned. Zero retries forever.
	MaxReconnects int
	// ReconnectSync runs after a reconnect, once subscriptions have been
	// restored.
	ReconnectSync func()
	// ConnectEventFunc is called with each change in connection status.
	ConnectEventFunc func(ConnectionStatus)
	Logger           dex.Logger
}

type response struct {
	msg *Message
	err error
}

type pendingRequest struct {
	respC chan *response
	sub   *Subscription
}

// Subscription is a JSON-RPC pubsub subscription. The subscription survives
// reconnects. Its channel is closed when the connection shuts down.
type Subscription struct {
	method       string
	notification string
	params       any
	c            chan json.RawMessage
}

// C is the channel on which notification results are delivered.
func (s *Subscription) C() <-chan json.RawMessage {
	return s.c
}

// WsConn is a JSON-RPC 2.0 websocket client that keeps its connection alive,
// routes responses to requests, and routes subscription notifications.
type WsConn struct {
	cfg    *WsCfg
	log    dex.Logger
	tlsCfg *tls.Config

	rID       atomic.Uint64
	connected atomic.Bool

	wsMtx sync.Mutex
	ws    *websocket.Conn

	reqMtx  sync.Mutex
	pending map[uint64]*pendingRequest

	subMtx   sync.RWMutex
	subs     []*Subscription
	subsByID map[uint64]*Subscription
	finished bool

	reconnectCh chan struct{}
	quit        chan struct{}
	err         error // set before quit is closed
	readWG      sync.WaitGroup
}

// NewWsConn creates a client websocket connection. The connection is not
// established until Connect.
func NewWsConn(cfg *WsCfg) (*WsConn, error) {
	if cfg.PingWait < 0 {
		return nil, fmt.Errorf("ping wait cannot be negative")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("no websocket URL")
	}
	cert, err := loadCert(cfg.CertFile)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := TLSConfig(cfg.URL, cert)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = dex.Disabled
	}
	return &WsConn{
		cfg:         cfg,
		log:         log,
		tlsCfg:      tlsCfg,
		pending:     make(map[uint64]*pendingRequest),
		subsByID:    make(map[uint64]*Subscription),
		reconnectCh: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}, nil
}

// IsDown indicates if the connection is known to be down.
func (conn *WsConn) IsDown() bool {
	return !conn.connected.Load()
}

// Done is closed once the connection has shut down, either because the
// Connect context was canceled or because reconnection was abandoned.
func (conn *WsConn) Done() <-chan struct{} {
	return conn.quit
}

// Err is the reason for shutdown. It is only valid after Done is closed.
func (conn *WsConn) Err() error {
	return conn.err
}

func (conn *WsConn) setConnectionStatus(status ConnectionStatus) {
	was := conn.connected.Swap(status == Connected)
	if was == (status == Connected) {
		return
	}
	if conn.cfg.ConnectEventFunc != nil {
		conn.cfg.ConnectEventFunc(status)
	}
}

// Connect dials the websocket and starts the keep-alive loop. The initial
// connection must succeed. The returned WaitGroup is done once the
// connection has shut down.
func (conn *WsConn) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if err := conn.connect(ctx); err != nil {
		return nil, err
	}
	conn.setConnectionStatus(Connected)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.keepAlive(ctx)
	}()
	return &wg, nil
}

// connect attempts to establish a websocket connection and starts its read
// and ping loops.
func (conn *WsConn) connect(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  conn.tlsCfg,
	}

	ws, _, err := dialer.DialContext(ctx, conn.cfg.URL, nil)
	if err != nil {
		return err
	}

	if pingWait := conn.cfg.PingWait; pingWait > 0 {
		extend := func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pingWait))
		}
		if err := extend(""); err != nil {
			ws.Close()
			return fmt.Errorf("read deadline error: %w", err)
		}
		ws.SetPongHandler(extend)
		ws.SetPingHandler(func(appData string) error {
			if err := extend(""); err != nil {
				return err
			}
			return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
	}

	conn.wsMtx.Lock()
	conn.ws = ws
	conn.wsMtx.Unlock()

	conn.readWG.Add(1)
	go conn.read(ctx, ws)
	if conn.cfg.PingWait > 0 {
		conn.readWG.Add(1)
		go conn.ping(ws)
	}
	return nil
}

// close sends a close frame and closes the current connection, if any.
func (conn *WsConn) close() {
	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()
	if conn.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.ws.Close()
	conn.ws = nil
}

func (conn *WsConn) ping(ws *websocket.Conn) {
	defer conn.readWG.Done()
	ticker := time.NewTicker(conn.cfg.PingWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-conn.quit:
			return
		}
	}
}

// read reads and routes messages from ws until it errors.
func (conn *WsConn) read(ctx context.Context, ws *websocket.Conn) {
	defer conn.readWG.Done()
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			conn.failPending(fmt.Errorf("%w: %v", ErrNotConnected, err))
			select {
			case <-conn.quit:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			conn.log.Errorf("Websocket read error: %v", err)
			select {
			case conn.reconnectCh <- struct{}{}:
			default:
			}
			return
		}
		msg := new(Message)
		if err := json.Unmarshal(b, msg); err != nil {
			// JSON decode errors are not fatal, log and proceed.
			conn.log.Errorf("JSON decode error: %v", err)
			continue
		}
		conn.route(msg)
	}
}

func (conn *WsConn) route(msg *Message) {
	if msg.ID != nil {
		conn.reqMtx.Lock()
		req := conn.pending[*msg.ID]
		delete(conn.pending, *msg.ID)
		conn.reqMtx.Unlock()
		if req == nil {
			conn.log.Debugf("Response for unknown request ID %d", *msg.ID)
			return
		}
		// Register the subscription here, before any of its notifications are
		// read.
		if req.sub != nil && msg.Error == nil {
			var subID uint64
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				req.respC <- &response{err: fmt.Errorf("bad subscription ID: %w", err)}
				return
			}
			conn.subMtx.Lock()
			conn.subsByID[subID] = req.sub
			conn.subMtx.Unlock()
		}
		req.respC <- &response{msg: msg}
		return
	}

	if msg.Method == "" {
		conn.log.Debugf("Message with neither ID nor method")
		return
	}
	var params NotificationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		conn.log.Errorf("Bad %s notification params: %v", msg.Method, err)
		return
	}
	conn.subMtx.RLock()
	sub := conn.subsByID[params.Subscription]
	conn.subMtx.RUnlock()
	if sub == nil || sub.notification != msg.Method {
		conn.log.Tracef("Ignoring %s notification for subscription %d", msg.Method, params.Subscription)
		return
	}
	select {
	case sub.c <- params.Result:
	case <-conn.quit:
	}
}

func (conn *WsConn) failPending(err error) {
	conn.reqMtx.Lock()
	defer conn.reqMtx.Unlock()
	for id, req := range conn.pending {
		req.respC <- &response{err: err}
		delete(conn.pending, id)
	}
}

// keepAlive maintains an active websocket connection by reconnecting when
// the established connection is broken.
func (conn *WsConn) keepAlive(ctx context.Context) {
	for {
		select {
		case <-conn.reconnectCh:
		case <-ctx.Done():
			conn.finish(ctx.Err())
			return
		}

		conn.setConnectionStatus(Disconnected)
		conn.close()
		conn.subMtx.Lock()
		conn.subsByID = make(map[uint64]*Subscription)
		conn.subMtx.Unlock()

		wait := conn.cfg.ReconnectWait
		if wait <= 0 {
			wait = DefaultReconnectWait
		}
		var failures int
		for {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				conn.finish(ctx.Err())
				return
			}
			err := conn.connect(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				conn.finish(ctx.Err())
				return
			}
			failures++
			conn.log.Errorf("Reconnect attempt %d to %s failed: %v", failures, conn.cfg.URL, err)
			if limit := conn.cfg.MaxReconnects; limit > 0 && failures >= limit {
				conn.finish(fmt.Errorf("%w: %d reconnect attempts failed", ErrConnectionLost, failures))
				return
			}
			if wait *= 2; wait > maxReconnectWait {
				wait = maxReconnectWait
			}
		}

		if err := conn.resubscribe(ctx); err != nil {
			conn.log.Errorf("Error restoring subscriptions: %v", err)
			select {
			case conn.reconnectCh <- struct{}{}:
			default:
			}
			continue
		}
		conn.log.Infof("Reconnected to %s", conn.cfg.URL)
		conn.setConnectionStatus(Connected)
		if conn.cfg.ReconnectSync != nil {
			go conn.cfg.ReconnectSync()
		}
	}
}

func (conn *WsConn) resubscribe(ctx context.Context) error {
	conn.subMtx.RLock()
	subs := make([]*Subscription, len(conn.subs))
	copy(subs, conn.subs)
	conn.subMtx.RUnlock()
	for _, sub := range subs {
		if err := conn.request(ctx, sub.method, sub.params, nil, sub); err != nil {
			return fmt.Errorf("%s: %w", sub.method, err)
		}
	}
	return nil
}

// finish shuts the connection down for good.
func (conn *WsConn) finish(err error) {
	conn.err = err
	close(conn.quit)
	conn.setConnectionStatus(Disconnected)
	conn.close()
	conn.readWG.Wait()
	conn.failPending(err)

	conn.subMtx.Lock()
	conn.finished = true
	for _, sub := range conn.subs {
		close(sub.c)
	}
	conn.subMtx.Unlock()
}

func (conn *WsConn) send(req *Request) error {
	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()
	if conn.ws == nil {
		return ErrNotConnected
	}
	if err := conn.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("write deadline error: %w", err)
	}
	if err := conn.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// Request sends a request and waits for the response, decoding the result
// into result if it is non-nil. A JSON-RPC error is returned as an
// *RPCError.
func (conn *WsConn) Request(ctx context.Context, method string, params, result any) error {
	return conn.request(ctx, method, params, result, nil)
}

func (conn *WsConn) request(ctx context.Context, method string, params, result any, sub *Subscription) error {
	select {
	case <-conn.quit:
		return ErrConnectionLost
	default:
	}

	id := conn.rID.Add(1)
	req := &pendingRequest{
		respC: make(chan *response, 1),
		sub:   sub,
	}
	conn.reqMtx.Lock()
	conn.pending[id] = req
	conn.reqMtx.Unlock()
	defer func() {
		conn.reqMtx.Lock()
		delete(conn.pending, id)
		conn.reqMtx.Unlock()
	}()

	err := conn.send(&Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	timeout := conn.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-req.respC:
		if resp.err != nil {
			return resp.err
		}
		if resp.msg.Error != nil {
			return resp.msg.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.msg.Result, result); err != nil {
			return fmt.Errorf("error decoding %s result: %w", method, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe issues the subscribe request method and returns a Subscription
// receiving the results of notification messages. The subscription is
// restored after every reconnect.
func (conn *WsConn) Subscribe(ctx context.Context, method, notification string, params any) (*Subscription, error) {
	sub := &Subscription{
		method:       method,
		notification: notification,
		params:       params,
		c:            make(chan json.RawMessage, subscriptionBuffer),
	}
	if err := conn.request(ctx, method, params, nil, sub); err != nil {
		return nil, err
	}
	conn.subMtx.Lock()
	defer conn.subMtx.Unlock()
	if conn.finished {
		return nil, ErrConnectionLost
	}
	conn.subs = append(conn.subs, sub)
	return sub, nil
}

// Notifications is like Subscribe, but only returns the notification
// channel.
func (conn *WsConn) Notifications(ctx context.Context, method, notification string, params any) (<-chan json.RawMessage, error) {
	sub, err := conn.Subscribe(ctx, method, notification, params)
	if err != nil {
		return nil, err
	}
	return sub.C(), nil
}

// IsRPCError reports whether err is a JSON-RPC error with the code.
func IsRPCError(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
