package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/studiodesk/internal/progress"
)

// wsServer accepts progress connections and exposes them to the test.
type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn

	mu      sync.Mutex
	users   []string
	headers []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != progressPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.users = append(ws.users, r.URL.Query().Get("user_id"))
		ws.headers = append(ws.headers, r.Header.Get("Authorization"))
		ws.mu.Unlock()
		ws.conns <- conn
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, ev progress.Event) {
	t.Helper()
	data, err := progress.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func next(t *testing.T, ch *Channel) progress.Event {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelDeliversEvents(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL, Token: "secret"})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)

	st := ch.State()
	assert.Equal(t, "alice", st.UserID)
	assert.Equal(t, StateOpen, st.State)
	ws.mu.Lock()
	assert.Equal(t, []string{"alice"}, ws.users)
	assert.Equal(t, []string{"Bearer secret"}, ws.headers)
	ws.mu.Unlock()

	send(t, server, progress.StatusUpdate{Message: "Packing files"})
	send(t, server, progress.Progress{Percent: 40, Description: "40%"})
	send(t, server, progress.Complete{Message: "Done", DownloadURL: "https://files/R100.zip"})

	assert.Equal(t, progress.StatusUpdate{Message: "Packing files"}, next(t, ch))
	assert.Equal(t, progress.Progress{Percent: 40, Description: "40%"}, next(t, ch))
	assert.Equal(t, progress.Complete{Message: "Done", DownloadURL: "https://files/R100.zip"}, next(t, ch))
	assert.False(t, ch.State().LastEventAt.IsZero())
}

func TestChannelDropsMalformedMessages(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)

	for _, raw := range []string{
		`not json`,
		`{"type":"bogus","payload":{}}`,
		`{"type":"progress","payload":{"percent":140}}`,
		`{"type":"complete"}`,
	} {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(raw)))
	}
	send(t, server, progress.Error{Message: "boom"})

	assert.Equal(t, progress.Error{Message: "boom"}, next(t, ch))
	assert.Equal(t, StateOpen, ch.State().State)
}

func TestChannelRecoversDecoderPanic(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)
	ch.decode = func(data []byte) (progress.Event, error) {
		if string(data) == "panic" {
			panic("bad handler")
		}
		return progress.Decode(data)
	}

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("panic")))
	send(t, server, progress.StatusUpdate{Message: "still alive"})

	assert.Equal(t, progress.StatusUpdate{Message: "still alive"}, next(t, ch))
}

func TestChannelUnexpectedCloseEmitsConnectionLost(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)
	require.NoError(t, server.Close())

	ev := next(t, ch)
	lost, ok := ev.(progress.ConnectionLost)
	require.True(t, ok, "got %#v", ev)
	assert.NotEmpty(t, lost.Reason)
	assert.Equal(t, StateClosed, ch.State().State)
	assertNoEvent(t, ch)
}

func TestChannelServerCloseFrameReason(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
	require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	ev := next(t, ch)
	assert.Equal(t, progress.ConnectionLost{Reason: "server closed the connection (1001 restarting)"}, ev)
}

func TestChannelIntentionalCloseIsSilent(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})

	require.NoError(t, ch.Open(context.Background(), "alice"))
	ws.accept(t)

	ch.Close()
	ch.Close()

	assert.Equal(t, StateClosed, ch.State().State)
	assertNoEvent(t, ch)
}

func TestChannelOpenSameUserIsNoop(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	ws.accept(t)
	require.NoError(t, ch.Open(context.Background(), "alice"))

	select {
	case <-ws.conns:
		t.Fatal("second connection opened for the same user")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelIdentityChangeReplacesConnection(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	first := ws.accept(t)
	require.NoError(t, ch.Open(context.Background(), "bob"))
	second := ws.accept(t)

	assert.Equal(t, "bob", ch.State().UserID)

	// The old connection is gone and its closing is not reported.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	send(t, second, progress.StatusUpdate{Message: "for bob"})
	assert.Equal(t, progress.StatusUpdate{Message: "for bob"}, next(t, ch))
}

func TestChannelEventsSurviveReopen(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)
	events := ch.Events()

	require.NoError(t, ch.Open(context.Background(), "alice"))
	ws.accept(t).Close()
	_, ok := next(t, ch).(progress.ConnectionLost)
	require.True(t, ok)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)
	send(t, server, progress.Progress{Percent: 5})

	assert.Equal(t, events, ch.Events())
	assert.Equal(t, progress.Progress{Percent: 5}, next(t, ch))
}

func TestChannelOpenWithoutIdentity(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})

	require.NoError(t, ch.Open(context.Background(), "alice"))
	ws.accept(t)

	err := ch.Open(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNoIdentity))
	assert.Equal(t, StateClosed, ch.State().State)
	assertNoEvent(t, ch)
}

func TestChannelDialFailure(t *testing.T) {
	ch := NewChannel(ChannelConfig{ServerURL: "http://127.0.0.1:1"})
	err := ch.Open(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, StateClosed, ch.State().State)
	assert.NotEmpty(t, ch.State().Reason)
}

func TestChannelURL(t *testing.T) {
	assert.Equal(t, "ws://host:8080/api/v1/progress/ws?user_id=a+b", channelURL("http://host:8080/", "a b"))
	assert.Equal(t, "wss://host/api/v1/progress/ws?user_id=u1", channelURL("https://host", "u1"))
	assert.Equal(t, "ws://host/api/v1/progress/ws?user_id=u1", channelURL("ws://host", "u1"))
}

func TestReconcilerWithChannel(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)
	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)

	r, dl, _ := newTestReconciler(accepted())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx, ch.Events()) }()

	require.NoError(t, r.Request(context.Background(), "R300"))
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool { return r.View().ConnectionLost }, 2*time.Second, 10*time.Millisecond)
	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.Contains(t, v.Message, "Connection to the progress server was lost")
	assert.Empty(t, dl.URLs())
}

func TestChannelSilentServerIsLost(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL, PongWait: 150 * time.Millisecond})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	ws.accept(t)

	assert.Equal(t, progress.ConnectionLost{Reason: heartbeatReason}, next(t, ch))
	st := ch.State()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, heartbeatReason, st.Reason)
}

func TestChannelPingsKeepConnectionOpen(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL, PongWait: 200 * time.Millisecond})
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Open(context.Background(), "alice"))
	server := ws.accept(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := server.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()

	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(600 * time.Millisecond):
	}
	assert.Equal(t, StateOpen, ch.State().State)

	close(stop)
	<-done
}

func TestReconcilerSeesChannelClosedBeforeAccept(t *testing.T) {
	ws := newWSServer(t)
	ch := NewChannel(ChannelConfig{ServerURL: ws.URL})
	t.Cleanup(ch.Close)
	require.NoError(t, ch.Open(context.Background(), "alice"))
	require.NoError(t, ws.accept(t).Close())

	dl := &recordingDownloader{}
	r := NewReconciler(accepted(), dl, WithChannelState(ch.State))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The loss is reported while no job exists and is dropped.
	_, ok := next(t, ch).(progress.ConnectionLost)
	require.True(t, ok)
	require.Equal(t, StateClosed, ch.State().State)
	go func() { _ = r.Run(ctx, ch.Events()) }()

	require.NoError(t, r.Request(context.Background(), "R300"))
	v := r.View()
	assert.Equal(t, StateAwaitingProgress, v.State)
	assert.True(t, v.ConnectionLost)
	assert.Equal(t, ConnectionLostMessage(ch.State().Reason), v.Message)
	assert.Empty(t, dl.URLs())
}
