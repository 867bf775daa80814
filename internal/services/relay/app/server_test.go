package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/chatrelay/internal/platform/grpc"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type wsTestFrame struct {
	Data   json.RawMessage `json:"data"`
	Error  *string         `json:"error"`
	Status domain.Status   `json:"status"`
}

type wsTestEvent struct {
	Entity             json.RawMessage   `json:"entity"`
	Kind               domain.ChangeKind `json:"kind"`
	PreviousSiblingKey *string           `json:"previousSiblingKey"`
}

func (f wsTestFrame) event() (wsTestEvent, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return wsTestEvent{}, false
	}
	if _, ok := fields["kind"]; !ok {
		return wsTestEvent{}, false
	}
	var ev wsTestEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return wsTestEvent{}, false
	}
	return ev, true
}

type testServer struct {
	server  *Server
	baseURL string
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	server, err := NewServer(ctx, Config{
		HTTPAddr:      "127.0.0.1:0",
		HealthAddr:    "127.0.0.1:0",
		StorePath:     filepath.Join(dir, "relay.db"),
		AccountsPath:  filepath.Join(dir, "accounts.db"),
		SigningKey:    "0123456789abcdef0123456789abcdef",
		TokenIssuer:   "chatrelay-test",
		TokenAudience: "chatrelay-test",
		Metrics:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ts := &testServer{server: server, baseURL: "http://" + server.Addr(), cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- server.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		assert.NoError(t, server.Close())
	})
	return ts
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) (*http.Response, wsTestFrame) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.baseURL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var frame wsTestFrame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	return resp, frame
}

type testAccount struct {
	user    domain.User
	idToken string
}

// signUp registers an account and exchanges the custom token for an ID
// token the way a client would.
func (ts *testServer) signUp(t *testing.T, name, email string) testAccount {
	t.Helper()
	resp, frame := ts.postJSON(t, "/api/v1/auth/signup", map[string]string{
		"name": name, "email": email, "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, domain.StatusSuccess, frame.Status)
	var result domain.AuthResult
	require.NoError(t, json.Unmarshal(frame.Data, &result))
	require.NotEmpty(t, result.Token)

	raw, err := json.Marshal(map[string]any{"token": result.Token, "returnSecureToken": true})
	require.NoError(t, err)
	exchange, err := http.Post(ts.baseURL+"/identity/v1/accounts:signInWithCustomToken", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer exchange.Body.Close()
	require.Equal(t, http.StatusOK, exchange.StatusCode)
	var signIn struct {
		IDToken string `json:"idToken"`
	}
	require.NoError(t, json.NewDecoder(exchange.Body).Decode(&signIn))
	require.NotEmpty(t, signIn.IDToken)
	return testAccount{user: result.User, idToken: signIn.IDToken}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.baseURL, "http") + "/api/v1/ws/chat"
}

func (ts *testServer) dial(t *testing.T, header http.Header, query string) *websocket.Conn {
	t.Helper()
	target := ts.wsURL()
	if query != "" {
		target += "?" + query
	}
	config, err := websocket.NewConfig(target, ts.baseURL)
	require.NoError(t, err)
	config.Header = header
	conn, err := websocket.DialConfig(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) dialAs(t *testing.T, account testAccount) *websocket.Conn {
	t.Helper()
	return ts.dial(t, http.Header{"Authorization": {"Bearer " + account.idToken}}, "")
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var raw string
	require.NoError(t, websocket.Message.Receive(conn, &raw))
	var frame wsTestFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, endpoint, payload string) {
	t.Helper()
	require.NoError(t, websocket.Message.Send(conn, "0\n"+endpoint+"\n"+payload))
}

// readReplyAndEvent reads two frames produced by one write: the caller's
// direct reply and the broadcast, in whichever order they arrive.
func readReplyAndEvent(t *testing.T, conn *websocket.Conn) (wsTestFrame, wsTestEvent) {
	t.Helper()
	var reply *wsTestFrame
	var event *wsTestEvent
	for range 2 {
		frame := readFrame(t, conn)
		if ev, ok := frame.event(); ok {
			event = &ev
			continue
		}
		reply = &frame
	}
	require.NotNil(t, reply, "missing direct reply")
	require.NotNil(t, event, "missing broadcast")
	return *reply, *event
}

func readEvent(t *testing.T, conn *websocket.Conn) wsTestEvent {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, domain.StatusSuccess, frame.Status)
	ev, ok := frame.event()
	require.True(t, ok, "expected broadcast, got %s", frame.Data)
	return ev
}

func TestUp(t *testing.T) {
	ts := startServer(t)
	resp, err := http.Get(ts.baseURL + "/up")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestSignUpAndLogin(t *testing.T) {
	ts := startServer(t)
	account := ts.signUp(t, "Alice", "alice@example.com")
	assert.Equal(t, "Alice", account.user.Name)
	assert.NotEmpty(t, account.user.ID)

	resp, frame := ts.postJSON(t, "/api/v1/auth/signup", map[string]string{
		"name": "Other", "email": "alice@example.com", "password": "whatever1",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "account already exists", *frame.Error)

	resp, frame = ts.postJSON(t, "/api/v1/auth/signup", map[string]string{"name": "", "email": "x@example.com", "password": "p"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.StatusError, frame.Status)

	resp, frame = ts.postJSON(t, "/api/v1/auth/login", map[string]string{"email": "alice@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var signIn struct {
		IDToken string `json:"idToken"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &signIn))
	assert.NotEmpty(t, signIn.IDToken)

	resp, frame = ts.postJSON(t, "/api/v1/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "invalid email or password", *frame.Error)
}

func TestWebSocketRequiresBearer(t *testing.T) {
	ts := startServer(t)
	target := ts.baseURL + "/api/v1/ws/chat"

	for _, header := range []string{"", "Bearer ", "Bearer not-a-token", "Basic abc"} {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
		assert.Equal(t, bearerRealm, resp.Header.Get("WWW-Authenticate"))
	}
	assert.Zero(t, ts.server.registry.Len())
}

func TestChatEndToEnd(t *testing.T) {
	ts := startServer(t)
	alice := ts.signUp(t, "Alice", "alice@example.com")
	bob := ts.signUp(t, "Bob", "bob@example.com")

	a := ts.dialAs(t, alice)
	// History: both users, in insertion order.
	for _, want := range []string{alice.user.ID, bob.user.ID} {
		ev := readEvent(t, a)
		assert.Equal(t, domain.ChangeAdd, ev.Kind)
		var user domain.User
		require.NoError(t, json.Unmarshal(ev.Entity, &user))
		assert.Equal(t, want, user.ID)
	}

	b := ts.dial(t, nil, url.Values{"access_token": {bob.idToken}}.Encode())
	readEvent(t, b)
	readEvent(t, b)
	require.Eventually(t, func() bool { return ts.server.registry.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, a, "send_message", `{"text":"hello"}`)
	reply, ev := readReplyAndEvent(t, a)
	require.Equal(t, domain.StatusSuccess, reply.Status)
	var sent domain.Message
	require.NoError(t, json.Unmarshal(reply.Data, &sent))
	assert.Equal(t, "hello", sent.Text)
	assert.Equal(t, alice.user.ID, sent.Author)
	assert.Equal(t, domain.ChangeAdd, ev.Kind)

	ev = readEvent(t, b)
	assert.Equal(t, domain.ChangeAdd, ev.Kind)
	var seen domain.Message
	require.NoError(t, json.Unmarshal(ev.Entity, &seen))
	assert.Equal(t, sent.ID, seen.ID)
	assert.Equal(t, "hello", seen.Text)
	assert.Nil(t, ev.PreviousSiblingKey)

	send(t, b, "set_reaction", `{"messageId":"`+sent.ID+`","reaction":"👍","isEnabled":true}`)
	reply, ev = readReplyAndEvent(t, b)
	require.Equal(t, domain.StatusSuccess, reply.Status)
	assert.Equal(t, domain.ChangeChange, ev.Kind)

	ev = readEvent(t, a)
	assert.Equal(t, domain.ChangeChange, ev.Kind)
	var reacted domain.Message
	require.NoError(t, json.Unmarshal(ev.Entity, &reacted))
	assert.Equal(t, []string{bob.user.ID}, reacted.Reactions["👍"])

	send(t, a, "logout", "")
	frame := readFrame(t, a)
	assert.Equal(t, domain.StatusSuccess, frame.Status)
	assert.Equal(t, "null", string(frame.Data))
	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	var rest string
	assert.Error(t, websocket.Message.Receive(a, &rest))
	require.Eventually(t, func() bool { return ts.server.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, b, "send_message", `{"text":"anyone?"}`)
	reply, ev = readReplyAndEvent(t, b)
	assert.Equal(t, domain.StatusSuccess, reply.Status)
	prev := sent.ID
	assert.Equal(t, &prev, ev.PreviousSiblingKey)
}

func TestProtocolErrorsKeepSocketOpen(t *testing.T) {
	ts := startServer(t)
	alice := ts.signUp(t, "Alice", "alice@example.com")
	a := ts.dialAs(t, alice)
	readEvent(t, a)

	require.NoError(t, websocket.Message.Send(a, "1\nsend_message\n{}"))
	frame := readFrame(t, a)
	assert.Equal(t, domain.StatusError, frame.Status)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "Incorrect api version (1)", *frame.Error)

	send(t, a, "send_message", `{"text":"`+strings.Repeat("x", 20*1024)+`"}`)
	frame = readFrame(t, a)
	assert.Equal(t, domain.StatusError, frame.Status)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "frame exceeds 16384 bytes", *frame.Error)

	send(t, a, "send_message", `{"text":"still here"}`)
	reply, _ := readReplyAndEvent(t, a)
	assert.Equal(t, domain.StatusSuccess, reply.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := startServer(t)

	conn, err := gogrpc.NewClient(ts.server.HealthAddr(), gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, platformgrpc.WaitForHealth(ctx, conn, HealthService, nil))

	resp, err := http.Get(ts.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_registry_sessions")
}

func TestStoppedBridgeRejectsConnections(t *testing.T) {
	ts := startServer(t)
	alice := ts.signUp(t, "Alice", "alice@example.com")
	ts.server.bridge.Stop()

	req, err := http.NewRequest(http.MethodGet, ts.baseURL+"/api/v1/ws/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.idToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownClosesSockets(t *testing.T) {
	ts := startServer(t)
	alice := ts.signUp(t, "Alice", "alice@example.com")
	a := ts.dialAs(t, alice)
	readEvent(t, a)

	ts.cancel()
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	ts.done <- nil

	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	var raw string
	assert.Error(t, websocket.Message.Receive(a, &raw))
}
