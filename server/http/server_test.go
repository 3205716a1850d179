package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/meshcall/model"
	"github.com/adwski/meshcall/registry"
)

func startTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(&logger)
	srv := NewServer(Config{
		Logger:     &logger,
		RoomReader: reg,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, reg
}

func doGet(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestGetRoom(t *testing.T) {
	ts, reg := startTestServer(t)

	idA, _ := reg.Join("room1", "alice", model.NewWire())
	reg.Join("room1", "bob", model.NewWire())

	code, body := doGet(t, ts.URL+"/api/room/room1")
	require.Equal(t, http.StatusOK, code)

	var room RoomResponse
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, "room1", room.RoomID)
	require.Len(t, room.Participants, 2)

	ids := []string{room.Participants[0].ID, room.Participants[1].ID}
	assert.Contains(t, ids, idA)
}

func TestGetRoomNotFound(t *testing.T) {
	ts, _ := startTestServer(t)

	code, body := doGet(t, ts.URL+"/api/room/nope")
	require.Equal(t, http.StatusNotFound, code)

	var resp GenericResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "room not found", resp.Error)
}

func TestHealth(t *testing.T) {
	ts, _ := startTestServer(t)

	code, body := doGet(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)

	var resp GenericResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "OK", resp.Message)
}
