package session

import (
	iface "FaceAuthClient/interface"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sioServer speaks just enough Engine.IO v4 / Socket.IO v5 for the client.
type sioServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	refuse  bool
	silent  bool
	onEvent func(reply func(msg string), name string, payload []byte)

	connects atomic.Int32
	frames   chan string

	mu    sync.Mutex
	conns []*websocket.Conn
	// gorilla allows one concurrent writer per conn
	writeMu sync.Mutex
}

func (s *sioServer) write(conn *websocket.Conn, msg string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func newSIOServer(t *testing.T, configure func(s *sioServer)) *sioServer {
	t.Helper()
	s := &sioServer{frames: make(chan string, 64)}
	if configure != nil {
		configure(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sioServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/socket.io/"
}

func (s *sioServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad transport", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer conn.Close()

	if s.silent {
		time.Sleep(500 * time.Millisecond)
		return
	}
	s.write(conn, `0{"sid":"eio-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "40" {
		return
	}
	if s.refuse {
		s.write(conn, `44{"message":"not authorized"}`)
		return
	}
	s.connects.Add(1)
	s.write(conn, `40{"sid":"ns-sid"}`)
	reply := func(msg string) { s.write(conn, msg) }

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.frames <- string(msg)
		if strings.HasPrefix(string(msg), "42") && s.onEvent != nil {
			name, args, err := decodeEvent(msg[2:])
			if err == nil && len(args) > 0 {
				s.onEvent(reply, name, args[0])
			}
		}
	}
}

func (s *sioServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *sioServer) send(msg string) {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(c, msg)
}

func (s *sioServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received by server")
		return ""
	}
}

type recorder struct {
	auth        chan iface.AuthResponse
	deletes     chan iface.DeleteResponse
	disconnects chan error
}

func newRecorder() *recorder {
	return &recorder{
		auth:        make(chan iface.AuthResponse, 8),
		deletes:     make(chan iface.DeleteResponse, 8),
		disconnects: make(chan error, 8),
	}
}

func (r *recorder) HandleAuth(res iface.AuthResponse)     { r.auth <- res }
func (r *recorder) HandleDelete(res iface.DeleteResponse) { r.deletes <- res }
func (r *recorder) HandleDisconnect(err error)            { r.disconnects <- err }

func testConfig(url string) Config {
	return Config{
		URL:              url,
		MaxRetries:       2,
		RetryDelay:       5 * time.Millisecond,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	s := newSIOServer(t, nil)
	c := New(testConfig(s.url()), newRecorder(), nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, iface.SessionOpen, c.State())
	assert.Equal(t, "ns-sid", c.SID())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), s.connects.Load())
}

func TestClient_EmitAndDispatch(t *testing.T) {
	s := newSIOServer(t, func(s *sioServer) {
		s.onEvent = func(reply func(string), name string, payload []byte) {
			var req iface.AuthenticateRequest
			_ = json.Unmarshal(payload, &req)
			if req.Action == iface.ActionDelete {
				reply(`42["delete_response",{"status":"deleted","name":"` + req.Username + `"}]`)
				return
			}
			reply(`42["auth_response",{"name":"alice","role":"admin"}]`)
		}
	})
	rec := newRecorder()
	c := New(testConfig(s.url()), rec, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Emit(context.Background(), iface.AuthenticateRequest{Image: "aGVsbG8="}))
	assert.Equal(t, `42["authenticate",{"image":"aGVsbG8="}]`, s.nextFrame(t))
	res := <-rec.auth
	assert.Equal(t, iface.AuthResponse{Kind: iface.AuthSuccess, Name: "alice", Role: "admin"}, res)

	require.NoError(t, c.Emit(context.Background(), iface.AuthenticateRequest{Image: "x", Action: iface.ActionDelete, Username: "bob"}))
	assert.Equal(t, `42["authenticate",{"image":"x","action":"delete","username":"bob"}]`, s.nextFrame(t))
	del := <-rec.deletes
	assert.Equal(t, iface.DeleteResponse{Kind: iface.DeleteDeleted, Name: "bob"}, del)
}

func TestClient_DispatchRejections(t *testing.T) {
	s := newSIOServer(t, nil)
	rec := newRecorder()
	c := New(testConfig(s.url()), rec, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	s.send(`42["auth_response",{"name":"Unknown"}]`)
	assert.Equal(t, iface.AuthUnknown, (<-rec.auth).Kind)

	s.send(`42["auth_response",{"error":"Processing timeout"}]`)
	res := <-rec.auth
	assert.Equal(t, iface.AuthError, res.Kind)
	assert.Equal(t, "Processing timeout", res.Reason)

	s.send(`42["auth_response",{}]`)
	assert.Equal(t, iface.AuthError, (<-rec.auth).Kind)

	s.send(`42["delete_response",{"status":"failed","error":"face mismatch"}]`)
	del := <-rec.deletes
	assert.Equal(t, iface.DeleteFailed, del.Kind)
	assert.Equal(t, "face mismatch", del.Reason)

	// unknown events are dropped, the session stays open
	s.send(`42["something_else",{}]`)
	s.send(`42["auth_response",{"name":"carol"}]`)
	assert.Equal(t, "carol", (<-rec.auth).Name)
	assert.Equal(t, iface.SessionOpen, c.State())
}

func TestClient_RepliesInterleaveWithPushes(t *testing.T) {
	s := newSIOServer(t, func(s *sioServer) {
		s.onEvent = func(reply func(string), _ string, _ []byte) {
			reply(`42["auth_response",{"name":"alice"}]`)
		}
	})
	rec := newRecorder()
	c := New(testConfig(s.url()), rec, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			s.send(`42["delete_response",{"status":"deleted","name":"bob"}]`)
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			_ = c.Emit(context.Background(), iface.AuthenticateRequest{Image: "x"})
		}
	}()

	var auths, deletes int
	timeout := time.After(2 * time.Second)
	for auths < n || deletes < n {
		select {
		case <-rec.auth:
			auths++
		case <-rec.deletes:
			deletes++
		case <-timeout:
			t.Fatalf("got %d auth and %d delete responses", auths, deletes)
		}
	}
	assert.Equal(t, iface.SessionOpen, c.State())
}

func TestClient_AnswersPing(t *testing.T) {
	s := newSIOServer(t, nil)
	c := New(testConfig(s.url()), newRecorder(), nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	s.send("2")
	assert.Equal(t, "3", s.nextFrame(t))
}

func TestClient_RetryBudgetExhausted(t *testing.T) {
	s := newSIOServer(t, nil)
	url := s.url()
	s.srv.Close()

	c := New(testConfig(url), newRecorder(), nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, iface.ErrConnection)
	var connErr *iface.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, iface.SessionFailed, c.State())
	assert.ErrorIs(t, c.Emit(context.Background(), iface.AuthenticateRequest{Image: "x"}), iface.ErrNotConnected)
}

func TestClient_NamespaceRefusedIsPermanent(t *testing.T) {
	s := newSIOServer(t, func(s *sioServer) { s.refuse = true })
	c := New(testConfig(s.url()), newRecorder(), nil)
	err := c.Connect(context.Background())

	var connErr *iface.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 1, connErr.Attempts)
	assert.ErrorIs(t, err, ErrConnectRefused)
}

func TestClient_HandshakeTimeout(t *testing.T) {
	s := newSIOServer(t, func(s *sioServer) { s.silent = true })
	cfg := testConfig(s.url())
	cfg.MaxRetries = 0
	cfg.HandshakeTimeout = 50 * time.Millisecond
	c := New(cfg, newRecorder(), nil)

	start := time.Now()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, iface.ErrConnection)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	s := newSIOServer(t, nil)
	rec := newRecorder()
	c := New(testConfig(s.url()), rec, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, "41", s.nextFrame(t))
	assert.NoError(t, c.Close())
	assert.Equal(t, iface.SessionClosed, c.State())
	assert.ErrorIs(t, c.Emit(context.Background(), iface.AuthenticateRequest{Image: "x"}), iface.ErrNotConnected)

	select {
	case err := <-rec.disconnects:
		t.Fatalf("unexpected disconnect callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_ServerDropThenReconnect(t *testing.T) {
	s := newSIOServer(t, nil)
	rec := newRecorder()
	c := New(testConfig(s.url()), rec, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	s.dropAll()
	select {
	case err := <-rec.disconnects:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	assert.Equal(t, iface.SessionClosed, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, iface.SessionOpen, c.State())
	assert.Equal(t, int32(2), s.connects.Load())
}

func TestClient_CloseAbortsConnect(t *testing.T) {
	s := newSIOServer(t, func(s *sioServer) { s.silent = true })
	cfg := testConfig(s.url())
	cfg.HandshakeTimeout = 5 * time.Second
	c := New(cfg, newRecorder(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, iface.ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not abort")
	}
	assert.Equal(t, iface.SessionClosed, c.State())
}
