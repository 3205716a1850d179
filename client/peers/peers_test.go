package peers

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/meshcall/client/media"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := New(Config{Logger: &logger})
	t.Cleanup(m.DestroyAll)
	return m
}

func testStream(t *testing.T, name string) *media.Stream {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", name)
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", name)
	require.NoError(t, err)
	return media.NewStream(media.NewStaticTrack(audio), media.NewStaticTrack(video))
}

func TestOfferAnswerNegotiation(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	offer, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.NotEmpty(t, offer.SDP)
	assert.True(t, alice.Has("bob"))

	answer, err := bob.AcceptOffer("alice", offer, testStream(t, "bob"))
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.True(t, bob.Has("alice"))

	require.NoError(t, alice.AcceptAnswer("bob", answer))
}

func TestStreamlessNegotiation(t *testing.T) {
	alice := newTestManager(t)

	// no local media at all still negotiates, e.g. a receive-only client
	offer, err := alice.CreateOffer("bob", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, offer.SDP)
}

func TestStaleConnectionReplaced(t *testing.T) {
	alice := newTestManager(t)

	_, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)
	_, err = alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)

	assert.Equal(t, 1, alice.Count(), "at most one connection per peer")
}

func TestAcceptAnswerUnknownPeer(t *testing.T) {
	alice := newTestManager(t)

	err := alice.AcceptAnswer("nobody", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestAddRemoteCandidateUnknownPeerIsNoop(t *testing.T) {
	alice := newTestManager(t)
	alice.AddRemoteCandidate("nobody", webrtc.ICECandidateInit{Candidate: "candidate:0 1 udp 1 127.0.0.1 1234 typ host"})
}

func TestDestroy(t *testing.T) {
	alice := newTestManager(t)

	_, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)
	_, err = alice.CreateOffer("carol", testStream(t, "alice"))
	require.NoError(t, err)
	require.Equal(t, 2, alice.Count())

	alice.Destroy("bob")
	assert.False(t, alice.Has("bob"))
	assert.True(t, alice.Has("carol"))

	// destroying an already-destroyed peer is fine
	alice.Destroy("bob")

	alice.DestroyAll()
	assert.Equal(t, 0, alice.Count())
}

func TestMuteTogglesDoNotBreakConnections(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	offer, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)

	alice.SetAudioEnabled(false)
	alice.SetVideoEnabled(false)
	alice.SetAudioEnabled(true)
	alice.SetVideoEnabled(true)

	answer, err := bob.AcceptOffer("alice", offer, testStream(t, "bob"))
	require.NoError(t, err)
	require.NoError(t, alice.AcceptAnswer("bob", answer))
}

func TestMuteStateAppliesToNewConnections(t *testing.T) {
	alice := newTestManager(t)

	alice.SetAudioEnabled(false)
	alice.SetVideoEnabled(false)

	// a connection built while muted must come up muted, not mid-toggle
	_, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)
}

func TestScreenShareSwap(t *testing.T) {
	alice := newTestManager(t)

	_, err := alice.CreateOffer("bob", testStream(t, "alice"))
	require.NoError(t, err)
	_, err = alice.CreateOffer("carol", testStream(t, "alice"))
	require.NoError(t, err)

	screenLocal, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "alice-screen")
	require.NoError(t, err)
	screen := media.NewStaticTrack(screenLocal)

	alice.SwapAllOutgoingVideo(screen)

	// a connection established mid-share picks the screen up individually
	_, err = alice.CreateOffer("dave", testStream(t, "alice"))
	require.NoError(t, err)
	require.NoError(t, alice.SwapOutgoingVideo("dave", screen))

	assert.ErrorIs(t, alice.SwapOutgoingVideo("nobody", screen), ErrUnknownPeer)

	// back to cameras
	alice.SwapAllOutgoingVideo(nil)
}
