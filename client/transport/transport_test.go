package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/meshcall/model"
)

// echoRelay upgrades and echoes every message back to the sender.
type echoRelay struct {
	mx    sync.Mutex
	conns []*websocket.Conn
}

func (e *echoRelay) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mx.Lock()
	e.conns = append(e.conns, conn)
	e.mx.Unlock()

	go func() {
		for {
			var msg model.Message
			if rErr := conn.ReadJSON(&msg); rErr != nil {
				return
			}
			if wErr := conn.WriteJSON(&msg); wErr != nil {
				return
			}
		}
	}()
}

func (e *echoRelay) dropAll() {
	e.mx.Lock()
	defer e.mx.Unlock()
	for _, conn := range e.conns {
		_ = conn.Close()
	}
	e.conns = nil
}

func startEchoRelay(t *testing.T) (*echoRelay, string) {
	t.Helper()
	relay := &echoRelay{}
	ts := httptest.NewServer(http.HandlerFunc(relay.handler))
	t.Cleanup(ts.Close)
	return relay, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestSendAndReceive(t *testing.T) {
	logger := zerolog.Nop()
	_, url := startEchoRelay(t)

	tr, err := Dial(context.Background(), url, &logger)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	msg, err := model.NewMessage(model.TypeJoin, model.JoinPayload{RoomID: "room1", DisplayName: "alice"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(msg))

	select {
	case got := <-tr.Inbound():
		assert.Equal(t, model.TypeJoin, got.Type)
		assert.JSONEq(t, string(msg.Payload), string(got.Payload))
	case <-time.After(time.Second):
		require.Fail(t, "echo did not arrive")
	}
}

func TestDialFailure(t *testing.T) {
	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/signal", &logger)
	require.Error(t, err)
}

func TestServerDropClosesTransport(t *testing.T) {
	logger := zerolog.Nop()
	relay, url := startEchoRelay(t)

	tr, err := Dial(context.Background(), url, &logger)
	require.NoError(t, err)

	relay.dropAll()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		require.Fail(t, "transport did not notice server drop")
	}

	_, ok := <-tr.Inbound()
	assert.False(t, ok, "inbound must be closed after transport loss")
}

func TestCloseUnblocksSaturatedReadLoop(t *testing.T) {
	logger := zerolog.Nop()

	// a relay that floods far past the inbound buffer
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg, _ := model.NewMessage(model.TypeError, model.ErrorPayload{Message: "flood"})
		for i := 0; i < 3*defaultInboundBuffer; i++ {
			if wErr := conn.WriteJSON(&msg); wErr != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	tr, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), &logger)
	require.NoError(t, err)

	// nobody drains Inbound; let the read loop fill the buffer and block
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		require.Fail(t, "read loop still blocked after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := zerolog.Nop()
	_, url := startEchoRelay(t)

	tr, err := Dial(context.Background(), url, &logger)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		require.Fail(t, "transport did not shut down")
	}
}
