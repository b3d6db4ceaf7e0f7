package comms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"jitdex.org/jitmaker/dex"
)

var tLogger = dex.StdOutLogger("TCOMMS", dex.LevelTrace)

// tServer is a minimal JSON-RPC pubsub websocket server.
type tServer struct {
	*httptest.Server
	subscribes atomic.Int32
	connMtx    sync.Mutex
	conns      []*websocket.Conn
	// notify receives the connection and subscription ID after each
	// successful subscription.
	notify chan *tSubscriber
}

type tSubscriber struct {
	conn  *websocket.Conn
	subID uint64
	wMtx  *sync.Mutex
}

func (s *tSubscriber) send(t *testing.T, result any) {
	t.Helper()
	b, _ := json.Marshal(result)
	params, _ := json.Marshal(&NotificationParams{Result: b, Subscription: s.subID})
	s.wMtx.Lock()
	defer s.wMtx.Unlock()
	err := s.conn.WriteJSON(&Message{JSONRPC: jsonrpcVersion, Method: "slotNotification", Params: params})
	if err != nil {
		t.Errorf("notification write error: %v", err)
	}
}

func newTServer() *tServer {
	s := &tServer{notify: make(chan *tSubscriber, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.connMtx.Lock()
		s.conns = append(s.conns, conn)
		s.connMtx.Unlock()
		var wMtx sync.Mutex
		for {
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			id := req.ID
			resp := &Message{JSONRPC: jsonrpcVersion, ID: &id}
			var sub *tSubscriber
			switch req.Method {
			case "echo":
				resp.Result = req.Params
			case "slotSubscribe":
				subID := uint64(s.subscribes.Add(1)) + 100
				resp.Result, _ = json.Marshal(subID)
				sub = &tSubscriber{conn: conn, subID: subID, wMtx: &wMtx}
			case "silent":
				continue
			default:
				resp.Error = &RPCError{Code: -32601, Message: "method not found"}
			}
			wMtx.Lock()
			err := conn.WriteJSON(resp)
			wMtx.Unlock()
			if err != nil {
				return
			}
			if sub != nil {
				s.notify <- sub
			}
		}
	}))
	return s
}

func (s *tServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// dropConns closes all server-side connections.
func (s *tServer) dropConns() {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func newTConn(t *testing.T, url string) *WsConn {
	t.Helper()
	conn, err := NewWsConn(&WsCfg{
		URL:            url,
		RequestTimeout: time.Second,
		ReconnectWait:  10 * time.Millisecond,
		MaxReconnects:  3,
		Logger:         tLogger,
	})
	if err != nil {
		t.Fatalf("NewWsConn error: %v", err)
	}
	return conn
}

func TestRequest(t *testing.T) {
	srv := newTServer()
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newTConn(t, srv.wsURL())
	wg, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	var res []string
	if err := conn.Request(ctx, "echo", []string{"a", "b"}, &res); err != nil {
		t.Fatalf("echo error: %v", err)
	}
	if len(res) != 2 || res[0] != "a" || res[1] != "b" {
		t.Fatalf("wrong echo result %v", res)
	}

	err = conn.Request(ctx, "nope", nil, nil)
	if !IsRPCError(err, -32601) {
		t.Fatalf("expected method not found error, got %v", err)
	}

	err = conn.Request(ctx, "silent", nil, nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	cancel()
	wg.Wait()
	if !errors.Is(conn.Err(), context.Canceled) {
		t.Fatalf("wrong shutdown error %v", conn.Err())
	}
	if err := conn.Request(context.Background(), "echo", nil, nil); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost after shutdown, got %v", err)
	}
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	srv := newTServer()
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newTConn(t, srv.wsURL())
	synced := make(chan struct{}, 1)
	conn.cfg.ReconnectSync = func() { synced <- struct{}{} }
	wg, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	sub, err := conn.Subscribe(ctx, "slotSubscribe", "slotNotification", nil)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	expect := func(want uint64) {
		t.Helper()
		select {
		case b := <-sub.C():
			var got uint64
			if err := json.Unmarshal(b, &got); err != nil {
				t.Fatalf("bad notification: %v", err)
			}
			if got != want {
				t.Fatalf("wanted %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("no notification for %d", want)
		}
	}

	s := <-srv.notify
	s.send(t, 5)
	expect(5)

	srv.dropConns()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	if n := srv.subscribes.Load(); n != 2 {
		t.Fatalf("expected 2 subscribe requests, got %d", n)
	}
	s = <-srv.notify
	s.send(t, 6)
	expect(6)
	if conn.IsDown() {
		t.Fatal("connection reported down after reconnect")
	}

	cancel()
	wg.Wait()
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription channel not closed at shutdown")
	}
}

func TestConnectionLost(t *testing.T) {
	srv := newTServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newTConn(t, srv.wsURL())
	var statuses []ConnectionStatus
	var statusMtx sync.Mutex
	conn.cfg.ConnectEventFunc = func(s ConnectionStatus) {
		statusMtx.Lock()
		statuses = append(statuses, s)
		statusMtx.Unlock()
	}
	if _, err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	sub, err := conn.Subscribe(ctx, "slotSubscribe", "slotNotification", nil)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	srv.Close()
	srv.dropConns()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not abandoned")
	}
	if !errors.Is(conn.Err(), ErrConnectionLost) {
		t.Fatalf("wrong error %v", conn.Err())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription channel not closed")
	}
	statusMtx.Lock()
	defer statusMtx.Unlock()
	if len(statuses) != 2 || statuses[0] != Connected || statuses[1] != Disconnected {
		t.Fatalf("wrong status sequence %v", statuses)
	}
}

func TestNewWsConnErrors(t *testing.T) {
	if _, err := NewWsConn(&WsCfg{}); err == nil {
		t.Fatal("no error for missing URL")
	}
	if _, err := NewWsConn(&WsCfg{URL: "ws://localhost", PingWait: -1}); err == nil {
		t.Fatal("no error for negative ping wait")
	}
	if _, err := NewWsConn(&WsCfg{URL: "ws://localhost", CertFile: "/does/not/exist"}); err == nil {
		t.Fatal("no error for missing cert")
	}
}
