package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/meshcall/model"
	"github.com/adwski/meshcall/registry"
	"github.com/adwski/meshcall/service"
)

func startTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		Registry: registry.New(&logger),
		Logger:   &logger,
	})
	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	return ts, wsURL
}

func dialTest(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg model.Message) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, name string) model.RoomJoinedPayload {
	t.Helper()
	msg, err := model.NewMessage(model.TypeJoin, model.JoinPayload{RoomID: roomID, DisplayName: name})
	require.NoError(t, err)
	writeMsg(t, conn, msg)

	reply := readMsg(t, conn)
	require.Equal(t, model.TypeRoomJoined, reply.Type)
	var p model.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	return p
}

func TestSignalingOverWebsocket(t *testing.T) {
	_, wsURL := startTestServer(t)

	alice := dialTest(t, wsURL)
	aliceJoined := joinRoom(t, alice, "room1", "alice")
	require.NotEmpty(t, aliceJoined.YourID)
	require.Len(t, aliceJoined.Participants, 1)

	bob := dialTest(t, wsURL)
	bobJoined := joinRoom(t, bob, "room1", "bob")
	require.Len(t, bobJoined.Participants, 2)

	// alice is announced bob's arrival
	msg := readMsg(t, alice)
	require.Equal(t, model.TypeParticipantJoined, msg.Type)
	var pj model.ParticipantJoinedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &pj))
	assert.Equal(t, bobJoined.YourID, pj.Participant.ID)

	// offer travels bob -> alice with sender identity stamped on
	offer, err := model.NewMessage(model.TypeOffer, nil)
	require.NoError(t, err)
	offer.To = aliceJoined.YourID
	offer.From = "spoofed" // the relay must overwrite this
	writeMsg(t, bob, offer)

	msg = readMsg(t, alice)
	assert.Equal(t, model.TypeOffer, msg.Type)
	assert.Equal(t, bobJoined.YourID, msg.From)

	// disconnect acts as leave
	require.NoError(t, bob.Close())
	msg = readMsg(t, alice)
	require.Equal(t, model.TypeParticipantLeft, msg.Type)
	var pl model.ParticipantLeftPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &pl))
	assert.Equal(t, bobJoined.YourID, pl.ID)
}

func TestMalformedJSONRepliesError(t *testing.T) {
	_, wsURL := startTestServer(t)

	conn := dialTest(t, wsURL)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg := readMsg(t, conn)
	assert.Equal(t, model.TypeError, msg.Type)

	// the connection is still usable afterwards
	joined := joinRoom(t, conn, "room1", "alice")
	assert.NotEmpty(t, joined.YourID)
}
