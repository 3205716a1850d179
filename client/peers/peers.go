// Package peers maintains one direct media connection per remote participant
// and keeps it synchronized with local media state.
package peers

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/adwski/meshcall/client/media"
)

const (
	defaultEventBuffer = 64
)

var (
	ErrUnknownPeer = errors.New("no connection for peer")

	defaultICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
)

type EventKind string

// The closed set of events a peer connection can surface.
const (
	EventCandidate       EventKind = "candidate"
	EventConnectionState EventKind = "connection-state"
	EventTrack           EventKind = "track"
)

type Event struct {
	Peer      string
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
	Track     *webrtc.TrackRemote
}

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []webrtc.ICEServer
}

type Manager struct {
	logger zerolog.Logger
	cfg    webrtc.Configuration
	events chan Event

	mx    sync.Mutex
	conns map[string]*conn

	// outgoing media state applied to every present and future connection
	audioEnabled bool
	videoEnabled bool
	screenTrack  webrtc.TrackLocal
}

type conn struct {
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	cameraTrack webrtc.TrackLocal
}

func New(cfg Config) *Manager {
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = defaultICEServers
	}
	return &Manager{
		logger:       cfg.Logger.With().Str("component", "peers").Logger(),
		cfg:          webrtc.Configuration{ICEServers: iceServers},
		events:       make(chan Event, defaultEventBuffer),
		conns:        make(map[string]*conn),
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Events delivers candidate discoveries, connection state transitions and
// inbound track arrivals for all managed connections.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateOffer builds a fresh connection to peerID carrying the local stream
// and produces the negotiation offer. Any stale connection for the same peer
// is destroyed first.
func (m *Manager) CreateOffer(peerID string, local *media.Stream) (webrtc.SessionDescription, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	c, err := m.newConn(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = m.attachLocal(c, local); err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// AcceptOffer applies a received offer, attaches local tracks and produces
// the answer. Any stale connection for the same peer is destroyed first.
func (m *Manager) AcceptOffer(peerID string, offer webrtc.SessionDescription, local *media.Stream) (webrtc.SessionDescription, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	c, err := m.newConn(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = c.pc.SetRemoteDescription(offer); err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}
	if err = m.attachLocal(c, local); err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		m.dropConn(peerID, c)
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AcceptAnswer completes a negotiation this side initiated.
func (m *Manager) AcceptAnswer(peerID string, answer webrtc.SessionDescription) error {
	m.mx.Lock()
	c, ok := m.conns[peerID]
	m.mx.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	return c.pc.SetRemoteDescription(answer)
}

// AddRemoteCandidate incorporates a network candidate discovered by the peer.
// Failures are logged and swallowed: candidate exchange is best effort and
// negotiation continues on the remaining candidates.
func (m *Manager) AddRemoteCandidate(peerID string, candidate webrtc.ICECandidateInit) {
	m.mx.Lock()
	c, ok := m.conns[peerID]
	m.mx.Unlock()
	if !ok {
		m.logger.Debug().Str("peer", peerID).Msg("candidate for unknown peer dropped")
		return
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to add remote candidate")
	}
}

// SetAudioEnabled pauses or resumes outgoing audio on every connection
// without renegotiation.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.audioEnabled = enabled
	for peerID, c := range m.conns {
		if c.audioSender == nil {
			continue
		}
		var t webrtc.TrackLocal
		if enabled {
			t = c.audioTrack
		}
		if err := c.audioSender.ReplaceTrack(t); err != nil {
			m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to toggle outgoing audio")
		}
	}
}

// SetVideoEnabled pauses or resumes outgoing video on every connection
// without renegotiation. While a screen share is active the share keeps
// playing regardless.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.videoEnabled = enabled
	if m.screenTrack != nil {
		return
	}
	for peerID, c := range m.conns {
		if err := replaceVideo(c, m.outgoingVideoLocked(c)); err != nil {
			m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to toggle outgoing video")
		}
	}
}

// SwapAllOutgoingVideo replaces the outgoing video track on every connection
// with the screen track, or restores each connection's camera track when
// screen is nil. No renegotiation happens either way.
func (m *Manager) SwapAllOutgoingVideo(screen media.Track) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if screen != nil {
		m.screenTrack = screen.Local()
	} else {
		m.screenTrack = nil
	}
	for peerID, c := range m.conns {
		if err := replaceVideo(c, m.outgoingVideoLocked(c)); err != nil {
			m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to swap outgoing video")
		}
	}
}

// SwapOutgoingVideo is the single-connection form of SwapAllOutgoingVideo,
// used when a connection is established mid-share.
func (m *Manager) SwapOutgoingVideo(peerID string, screen media.Track) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	c, ok := m.conns[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	if screen != nil {
		return replaceVideo(c, screen.Local())
	}
	return replaceVideo(c, m.outgoingVideoLocked(c))
}

// Destroy tears down the connection to peerID, releasing its resources.
func (m *Manager) Destroy(peerID string) {
	m.mx.Lock()
	c, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mx.Unlock()
	if !ok {
		return
	}
	if err := c.pc.Close(); err != nil {
		m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to close peer connection")
	}
	m.logger.Debug().Str("peer", peerID).Msg("peer connection destroyed")
}

// DestroyAll tears down every connection.
func (m *Manager) DestroyAll() {
	m.mx.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mx.Unlock()

	for peerID, c := range conns {
		if err := c.pc.Close(); err != nil {
			m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to close peer connection")
		}
	}
}

// Count reports the number of live connections.
func (m *Manager) Count() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.conns)
}

// Has reports whether a connection exists for peerID.
func (m *Manager) Has(peerID string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	_, ok := m.conns[peerID]
	return ok
}

// newConn allocates the connection for peerID, destroying a stale one first.
// At most one connection may exist per peer. Caller holds m.mx.
func (m *Manager) newConn(peerID string) (*conn, error) {
	if stale, ok := m.conns[peerID]; ok {
		delete(m.conns, peerID)
		if err := stale.pc.Close(); err != nil {
			m.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to close stale connection")
		}
		m.logger.Debug().Str("peer", peerID).Msg("stale connection replaced")
	}

	pc, err := webrtc.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, err
	}
	c := &conn{pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		m.emit(Event{Peer: peerID, Kind: EventCandidate, Candidate: candidate.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug().Str("peer", peerID).Str("state", state.String()).Msg("connection state changed")
		m.emit(Event{Peer: peerID, Kind: EventConnectionState, State: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Debug().
			Str("peer", peerID).
			Str("kind", track.Kind().String()).
			Str("trackID", track.ID()).
			Msg("remote track arrived")
		m.emit(Event{Peer: peerID, Kind: EventTrack, Track: track})
	})

	m.conns[peerID] = c
	return c, nil
}

// attachLocal adds the stream's tracks to the connection, honoring the
// current mute and screen-share state. Caller holds m.mx.
func (m *Manager) attachLocal(c *conn, local *media.Stream) error {
	if a := local.AudioTrack(); a != nil {
		sender, err := c.pc.AddTrack(a.Local())
		if err != nil {
			return err
		}
		c.audioSender = sender
		c.audioTrack = a.Local()
		if !m.audioEnabled {
			if err = sender.ReplaceTrack(nil); err != nil {
				return err
			}
		}
	}
	if v := local.VideoTrack(); v != nil {
		sender, err := c.pc.AddTrack(v.Local())
		if err != nil {
			return err
		}
		c.videoSender = sender
		c.cameraTrack = v.Local()
		if out := m.outgoingVideoLocked(c); out != v.Local() {
			if err = sender.ReplaceTrack(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// outgoingVideoLocked resolves what the connection should currently be
// sending as video: the screen share if active, the camera unless video is
// muted, nil otherwise. Caller holds m.mx.
func (m *Manager) outgoingVideoLocked(c *conn) webrtc.TrackLocal {
	if m.screenTrack != nil {
		return m.screenTrack
	}
	if m.videoEnabled {
		return c.cameraTrack
	}
	return nil
}

func replaceVideo(c *conn, t webrtc.TrackLocal) error {
	if c.videoSender == nil {
		return nil
	}
	return c.videoSender.ReplaceTrack(t)
}

func (m *Manager) dropConn(peerID string, c *conn) {
	delete(m.conns, peerID)
	_ = c.pc.Close()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().
			Str("peer", ev.Peer).
			Str("kind", string(ev.Kind)).
			Msg("event buffer full, event dropped")
	}
}
