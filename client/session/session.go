// Package session orchestrates a call: it acquires local media, opens the
// signaling transport, joins a room and maintains a mesh of peer
// connections to every other participant.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/adwski/meshcall/client/media"
	"github.com/adwski/meshcall/client/peers"
	"github.com/adwski/meshcall/model"
)

// State is the overall call state.
type State string

const (
	StateLobby        State = "lobby"
	StateJoining      State = "joining"
	StateInCall       State = "in-call"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

const (
	defaultRejoinMaxElapsed = 30 * time.Second
	defaultEventBuffer      = 64
	defaultCommandBuffer    = 8
)

var (
	ErrAlreadyInCall = errors.New("call already in progress")
	ErrNotInCall     = errors.New("not in a call")
	ErrNoLocalVideo  = errors.New("no local video track")
	ErrSessionClosed = errors.New("session is closed")
)

// RemoteParticipant is the client-side view of another room member.
type RemoteParticipant struct {
	ID              string
	DisplayName     string
	AudioMuted      bool
	VideoMuted      bool
	IsScreenSharing bool
	ConnState       webrtc.PeerConnectionState
	AudioTrack      *webrtc.TrackRemote
	VideoTrack      *webrtc.TrackRemote
}

// LocalState holds the local participant's media flags.
type LocalState struct {
	AudioMuted      bool
	VideoMuted      bool
	IsScreenSharing bool
}

// Snapshot is a point-in-time copy of session state for the interface layer.
type Snapshot struct {
	State        State
	RoomID       string
	LocalID      string
	DisplayName  string
	Local        LocalState
	Participants []RemoteParticipant
	LastErr      error
}

type EventKind string

const (
	EventStateChanged  EventKind = "state-changed"
	EventRosterChanged EventKind = "roster-changed"
	EventLocalChanged  EventKind = "local-changed"
	EventRemoteTrack   EventKind = "remote-track"
	EventFailure       EventKind = "error"
)

// Event is the closed set of notifications the session emits.
type Event struct {
	Kind   EventKind
	State  State
	PeerID string
	Track  *webrtc.TrackRemote
	Err    error
}

type (
	// Conn is the signaling transport as the session sees it.
	Conn interface {
		Send(msg model.Message) error
		Inbound() <-chan model.Message
		Done() <-chan struct{}
		Close() error
	}

	// DialFunc opens a fresh signaling transport.
	DialFunc func(ctx context.Context) (Conn, error)

	// PeerManager is the peer-connection surface the session drives.
	// *peers.Manager satisfies it.
	PeerManager interface {
		CreateOffer(peerID string, local *media.Stream) (webrtc.SessionDescription, error)
		AcceptOffer(peerID string, offer webrtc.SessionDescription, local *media.Stream) (webrtc.SessionDescription, error)
		AcceptAnswer(peerID string, answer webrtc.SessionDescription) error
		AddRemoteCandidate(peerID string, candidate webrtc.ICECandidateInit)
		SetAudioEnabled(enabled bool)
		SetVideoEnabled(enabled bool)
		SwapAllOutgoingVideo(screen media.Track)
		Destroy(peerID string)
		DestroyAll()
		Events() <-chan peers.Event
	}
)

type Config struct {
	Logger *zerolog.Logger
	RoomID string
	Media  media.Controller
	Peers  PeerManager
	Dial   DialFunc

	// RejoinMaxElapsed caps how long the session keeps retrying after
	// transport loss before giving up and ending the call.
	RejoinMaxElapsed time.Duration
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdToggleMute
	cmdToggleVideo
	cmdToggleScreenShare
	cmdStopScreenShare // out-of-band capture stop, treated like a user toggle
)

type command struct {
	kind        cmdKind
	displayName string
	audioOnly   bool
	reply       chan error
}

type Session struct {
	logger zerolog.Logger
	roomID string
	media  media.Controller
	peers  PeerManager
	dial   DialFunc

	rejoinMaxElapsed time.Duration

	cmds   chan command
	events chan Event
	done   chan struct{}

	// shared with Snapshot
	mx           sync.RWMutex
	state        State
	localID      string
	displayName  string
	local        LocalState
	order        []string
	participants map[string]*RemoteParticipant
	lastErr      error

	// loop-private
	conn         Conn
	localStream  *media.Stream
	screenStream *media.Stream
	audioOnly    bool
	offered      map[string]bool
	rejoin       *backoff.ExponentialBackOff
	rejoinC      <-chan time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Media == nil || cfg.Peers == nil || cfg.Dial == nil {
		return nil, errors.New("media controller, peer manager and dialer are required")
	}
	maxElapsed := cfg.RejoinMaxElapsed
	if maxElapsed == 0 {
		maxElapsed = defaultRejoinMaxElapsed
	}
	return &Session{
		logger:           cfg.Logger.With().Str("component", "session").Str("roomID", cfg.RoomID).Logger(),
		roomID:           cfg.RoomID,
		media:            cfg.Media,
		peers:            cfg.Peers,
		dial:             cfg.Dial,
		rejoinMaxElapsed: maxElapsed,
		cmds:             make(chan command, defaultCommandBuffer),
		events:           make(chan Event, defaultEventBuffer),
		done:             make(chan struct{}),
		state:            StateLobby,
		participants:     make(map[string]*RemoteParticipant),
		offered:          make(map[string]bool),
	}, nil
}

// Run drives the session until ctx is cancelled. All state transitions
// happen here, strictly one signaling event or user action at a time.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	for {
		var (
			inbound  <-chan model.Message
			connDone <-chan struct{}
		)
		if s.conn != nil {
			inbound = s.conn.Inbound()
			connDone = s.conn.Done()
		}

		select {
		case <-ctx.Done():
			s.teardown(nil)
			return

		case cmd := <-s.cmds:
			s.handleCommand(ctx, cmd)

		case msg, ok := <-inbound:
			if !ok {
				s.handleTransportLoss()
				continue
			}
			s.handleSignal(msg)

		case <-connDone:
			s.handleTransportLoss()

		case ev := <-s.peers.Events():
			s.handlePeerEvent(ev)

		case <-s.rejoinC:
			s.attemptRejoin(ctx)
		}
	}
}

// Events delivers session notifications. Events are dropped, never blocked
// on, if the consumer falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Join starts a call attempt: acquires local media, connects the signaling
// transport and requests room membership. It returns once the join request
// is on the wire; the in-call transition arrives as a state event.
func (s *Session) Join(displayName string, audioOnly bool) error {
	return s.do(command{kind: cmdJoin, displayName: displayName, audioOnly: audioOnly})
}

// Leave ends the call, releasing every connection and device stream.
// Safe to call from any state, any number of times.
func (s *Session) Leave() error {
	return s.do(command{kind: cmdLeave})
}

// ToggleMute flips local audio mute.
func (s *Session) ToggleMute() error {
	return s.do(command{kind: cmdToggleMute})
}

// ToggleVideo flips local video mute.
func (s *Session) ToggleVideo() error {
	return s.do(command{kind: cmdToggleVideo})
}

// ToggleScreenShare starts or stops sharing the screen with every peer.
func (s *Session) ToggleScreenShare() error {
	return s.do(command{kind: cmdToggleScreenShare})
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()

	snap := Snapshot{
		State:        s.state,
		RoomID:       s.roomID,
		LocalID:      s.localID,
		DisplayName:  s.displayName,
		Local:        s.local,
		Participants: make([]RemoteParticipant, 0, len(s.order)),
		LastErr:      s.lastErr,
	}
	for _, id := range s.order {
		if p, ok := s.participants[id]; ok {
			snap.Participants = append(snap.Participants, *p)
		}
	}
	return snap
}

func (s *Session) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdJoin:
		err = s.handleJoin(ctx, cmd.displayName, cmd.audioOnly)
	case cmdLeave:
		s.teardown(nil)
	case cmdToggleMute:
		err = s.handleToggleMute()
	case cmdToggleVideo:
		err = s.handleToggleVideo()
	case cmdToggleScreenShare:
		err = s.handleToggleScreenShare()
	case cmdStopScreenShare:
		if s.snapshotLocal().IsScreenSharing {
			err = s.stopScreenShare()
		}
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (s *Session) handleJoin(ctx context.Context, displayName string, audioOnly bool) error {
	st := s.currentState()
	if st != StateLobby && st != StateEnded {
		return ErrAlreadyInCall
	}

	s.mx.Lock()
	s.displayName = displayName
	s.lastErr = nil
	s.mx.Unlock()
	s.audioOnly = audioOnly

	s.setState(StateJoining)

	stream, err := s.media.AcquireLocal(true, !audioOnly)
	if err != nil {
		s.failJoin(err)
		return err
	}
	s.localStream = stream

	conn, err := s.dial(ctx)
	if err != nil {
		s.media.Release(s.localStream)
		s.localStream = nil
		s.failJoin(err)
		return err
	}
	s.conn = conn

	s.mx.Lock()
	s.local = LocalState{AudioMuted: false, VideoMuted: audioOnly}
	s.mx.Unlock()
	s.peers.SetAudioEnabled(true)
	s.peers.SetVideoEnabled(true)

	if err = s.sendJoin(); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.media.Release(s.localStream)
		s.localStream = nil
		s.failJoin(err)
		return err
	}
	return nil
}

func (s *Session) sendJoin() error {
	s.mx.RLock()
	displayName := s.displayName
	s.mx.RUnlock()

	msg, err := model.NewMessage(model.TypeJoin, model.JoinPayload{
		RoomID:      s.roomID,
		DisplayName: displayName,
	})
	if err != nil {
		return err
	}
	return s.conn.Send(msg)
}

func (s *Session) failJoin(cause error) {
	s.mx.Lock()
	s.lastErr = cause
	s.mx.Unlock()
	s.setState(StateLobby)
	s.emit(Event{Kind: EventFailure, Err: cause})
	s.logger.Warn().Err(cause).Msg("join failed")
}

func (s *Session) handleSignal(msg model.Message) {
	switch msg.Type {
	case model.TypeRoomJoined:
		s.handleRoomJoined(msg)

	case model.TypeParticipantJoined:
		var p model.ParticipantJoinedPayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad participant-joined payload")
			return
		}
		s.addParticipant(p.Participant)
		s.offerTo(p.Participant.ID)
		s.emit(Event{Kind: EventRosterChanged, PeerID: p.Participant.ID})

	case model.TypeParticipantLeft:
		var p model.ParticipantLeftPayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad participant-left payload")
			return
		}
		s.removeParticipant(p.ID)
		s.emit(Event{Kind: EventRosterChanged, PeerID: p.ID})

	case model.TypeOffer:
		s.handleOffer(msg)

	case model.TypeAnswer:
		var p model.SDPPayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad answer payload")
			return
		}
		delete(s.offered, msg.From)
		if err := s.peers.AcceptAnswer(msg.From, p.SDP); err != nil {
			s.logger.Warn().Err(err).Str("peer", msg.From).Msg("failed to accept answer")
		}

	case model.TypeICECandidate:
		var p model.CandidatePayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad candidate payload")
			return
		}
		s.peers.AddRemoteCandidate(msg.From, p.Candidate)

	case model.TypeMuteUpdate:
		var p model.MuteUpdatePayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad mute-update payload")
			return
		}
		s.mx.Lock()
		if rp, ok := s.participants[msg.From]; ok {
			rp.AudioMuted = p.Audio
			rp.VideoMuted = p.Video
		}
		s.mx.Unlock()
		s.emit(Event{Kind: EventRosterChanged, PeerID: msg.From})

	case model.TypeScreenShareUpdate:
		var p model.ScreenSharePayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad screen-share-update payload")
			return
		}
		s.mx.Lock()
		if rp, ok := s.participants[msg.From]; ok {
			rp.IsScreenSharing = p.Active
		}
		s.mx.Unlock()
		s.emit(Event{Kind: EventRosterChanged, PeerID: msg.From})

	case model.TypeError:
		var p model.ErrorPayload
		if err := unmarshal(msg, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad error payload")
			return
		}
		protoErr := errors.New(p.Message)
		s.mx.Lock()
		s.lastErr = protoErr
		s.mx.Unlock()
		s.emit(Event{Kind: EventFailure, Err: protoErr})
		s.logger.Warn().Str("message", p.Message).Msg("relay reported error")

	default:
		s.logger.Warn().Str("type", msg.Type).Msg("unknown signaling message")
	}
}

func (s *Session) handleRoomJoined(msg model.Message) {
	st := s.currentState()
	if st != StateJoining && st != StateReconnecting {
		s.logger.Warn().Str("state", string(st)).Msg("unexpected room-joined")
		return
	}

	var p model.RoomJoinedPayload
	if err := unmarshal(msg, &p); err != nil {
		s.logger.Warn().Err(err).Msg("bad room-joined payload")
		return
	}

	s.mx.Lock()
	s.localID = p.YourID
	s.mx.Unlock()
	s.rejoin = nil
	s.rejoinC = nil

	for _, part := range p.Participants {
		if part.ID == p.YourID {
			continue
		}
		s.addParticipant(part)
	}
	s.setState(StateInCall)
	s.emit(Event{Kind: EventRosterChanged})

	// the new joiner establishes the mesh from its side
	for _, part := range p.Participants {
		if part.ID != p.YourID {
			s.offerTo(part.ID)
		}
	}

	s.syncLocalFlags()
	s.logger.Info().Str("localID", p.YourID).Int("peers", len(p.Participants)-1).Msg("joined room")
}

// syncLocalFlags reports local mute state to the room when it differs from
// the defaults the relay assumed on join (audio live, video muted).
func (s *Session) syncLocalFlags() {
	local := s.snapshotLocal()
	if !local.AudioMuted && local.VideoMuted {
		return
	}
	s.sendMute(local)
}

func (s *Session) handleOffer(msg model.Message) {
	var p model.SDPPayload
	if err := unmarshal(msg, &p); err != nil {
		s.logger.Warn().Err(err).Msg("bad offer payload")
		return
	}
	from := msg.From

	// Offer glare: both sides may offer simultaneously when a participant
	// joins. The lower id wins and keeps its own offer; the higher id
	// abandons its offer and answers instead.
	if s.offered[from] && s.currentLocalID() < from {
		s.logger.Debug().Str("peer", from).Msg("offer glare, keeping own offer")
		return
	}
	delete(s.offered, from)

	answer, err := s.peers.AcceptOffer(from, p.SDP, s.localStream)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", from).Msg("failed to accept offer")
		return
	}

	reply, err := model.NewMessage(model.TypeAnswer, model.SDPPayload{SDP: answer})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal answer")
		return
	}
	reply.To = from
	s.send(reply)
}

func (s *Session) offerTo(peerID string) {
	offer, err := s.peers.CreateOffer(peerID, s.localStream)
	if err != nil {
		// one failed negotiation must not block the rest of the mesh
		s.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to create offer")
		return
	}
	s.offered[peerID] = true

	msg, err := model.NewMessage(model.TypeOffer, model.SDPPayload{SDP: offer})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal offer")
		return
	}
	msg.To = peerID
	s.send(msg)
}

func (s *Session) handlePeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.EventCandidate:
		msg, err := model.NewMessage(model.TypeICECandidate, model.CandidatePayload{Candidate: ev.Candidate})
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to marshal candidate")
			return
		}
		msg.To = ev.Peer
		s.send(msg)

	case peers.EventConnectionState:
		s.mx.Lock()
		if rp, ok := s.participants[ev.Peer]; ok {
			rp.ConnState = ev.State
		}
		s.mx.Unlock()
		if ev.State == webrtc.PeerConnectionStateConnected {
			delete(s.offered, ev.Peer)
		}
		s.emit(Event{Kind: EventRosterChanged, PeerID: ev.Peer})

	case peers.EventTrack:
		s.mx.Lock()
		if rp, ok := s.participants[ev.Peer]; ok {
			if ev.Track.Kind() == webrtc.RTPCodecTypeAudio {
				rp.AudioTrack = ev.Track
			} else {
				rp.VideoTrack = ev.Track
			}
		}
		s.mx.Unlock()
		s.emit(Event{Kind: EventRemoteTrack, PeerID: ev.Peer, Track: ev.Track})
	}
}

func (s *Session) handleToggleMute() error {
	if s.currentState() != StateInCall {
		return ErrNotInCall
	}
	s.mx.Lock()
	s.local.AudioMuted = !s.local.AudioMuted
	local := s.local
	s.mx.Unlock()

	s.peers.SetAudioEnabled(!local.AudioMuted)
	s.sendMute(local)
	s.emit(Event{Kind: EventLocalChanged})
	return nil
}

func (s *Session) handleToggleVideo() error {
	if s.currentState() != StateInCall {
		return ErrNotInCall
	}
	if s.audioOnly {
		return ErrNoLocalVideo
	}
	s.mx.Lock()
	s.local.VideoMuted = !s.local.VideoMuted
	local := s.local
	s.mx.Unlock()

	s.peers.SetVideoEnabled(!local.VideoMuted)
	s.sendMute(local)
	s.emit(Event{Kind: EventLocalChanged})
	return nil
}

func (s *Session) sendMute(local LocalState) {
	audio, video := local.AudioMuted, local.VideoMuted
	msg, err := model.NewMessage(model.TypeMute, model.MutePayload{Audio: &audio, Video: &video})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal mute")
		return
	}
	s.send(msg)
}

func (s *Session) handleToggleScreenShare() error {
	if s.currentState() != StateInCall {
		return ErrNotInCall
	}
	if s.snapshotLocal().IsScreenSharing {
		return s.stopScreenShare()
	}
	return s.startScreenShare()
}

func (s *Session) startScreenShare() error {
	scr, err := s.media.AcquireScreen()
	if err != nil {
		s.mx.Lock()
		s.lastErr = err
		s.mx.Unlock()
		s.emit(Event{Kind: EventFailure, Err: err})
		return err
	}
	track := scr.VideoTrack()
	if track == nil {
		s.media.Release(scr)
		return media.ErrNoTracks
	}
	s.screenStream = scr

	// the OS revoking the capture is the same as the user stopping it
	track.OnEnded(func(error) {
		select {
		case s.cmds <- command{kind: cmdStopScreenShare}:
		case <-s.done:
		}
	})

	s.peers.SwapAllOutgoingVideo(track)
	s.sendScreenShare(true)
	s.mx.Lock()
	s.local.IsScreenSharing = true
	s.mx.Unlock()
	s.emit(Event{Kind: EventLocalChanged})
	return nil
}

func (s *Session) stopScreenShare() error {
	s.peers.SwapAllOutgoingVideo(nil)
	if s.screenStream != nil {
		s.media.Release(s.screenStream)
		s.screenStream = nil
	}
	s.sendScreenShare(false)
	s.mx.Lock()
	s.local.IsScreenSharing = false
	s.mx.Unlock()
	s.emit(Event{Kind: EventLocalChanged})
	return nil
}

func (s *Session) sendScreenShare(active bool) {
	msg, err := model.NewMessage(model.TypeScreenShare, model.ScreenSharePayload{Active: active})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal screen-share")
		return
	}
	s.send(msg)
}

// handleTransportLoss reacts to the signaling connection dropping out from
// under an active session.
func (s *Session) handleTransportLoss() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	st := s.currentState()
	switch st {
	case StateJoining:
		s.media.Release(s.localStream)
		s.localStream = nil
		s.clearCall()
		s.failJoin(errors.New("signaling transport lost while joining"))

	case StateInCall, StateReconnecting:
		s.clearCall()
		if st == StateInCall {
			s.logger.Warn().Msg("signaling transport lost, reconnecting")
			s.setState(StateReconnecting)
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = s.rejoinMaxElapsed
			s.rejoin = bo
		}
		s.scheduleRejoin()
	}
}

// clearCall resets mesh state: connections, roster, screen share. Local
// camera/mic stay acquired so a rejoin does not re-prompt for devices.
func (s *Session) clearCall() {
	s.peers.DestroyAll()
	if s.screenStream != nil {
		s.peers.SwapAllOutgoingVideo(nil)
		s.media.Release(s.screenStream)
		s.screenStream = nil
	}
	s.mx.Lock()
	s.participants = make(map[string]*RemoteParticipant)
	s.order = nil
	s.localID = ""
	s.local.IsScreenSharing = false
	s.mx.Unlock()
	s.offered = make(map[string]bool)
	s.emit(Event{Kind: EventRosterChanged})
}

func (s *Session) scheduleRejoin() {
	if s.rejoin == nil {
		return
	}
	next := s.rejoin.NextBackOff()
	if next == backoff.Stop {
		s.logger.Error().Msg("giving up on reconnecting")
		s.teardown(errors.New("signaling transport lost"))
		return
	}
	s.logger.Debug().Dur("in", next).Msg("rejoin scheduled")
	s.rejoinC = time.After(next)
}

func (s *Session) attemptRejoin(ctx context.Context) {
	s.rejoinC = nil
	if s.currentState() != StateReconnecting {
		return
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejoin dial failed")
		s.scheduleRejoin()
		return
	}
	s.conn = conn

	if err = s.sendJoin(); err != nil {
		s.logger.Warn().Err(err).Msg("rejoin request failed")
		_ = s.conn.Close()
		s.conn = nil
		s.scheduleRejoin()
		return
	}
	// in-call resumes when room-joined arrives
}

// teardown ends the call from whatever state it is in. Idempotent.
func (s *Session) teardown(cause error) {
	s.peers.DestroyAll()

	if s.conn != nil {
		if msg, err := model.NewMessage(model.TypeLeave, nil); err == nil {
			_ = s.conn.Send(msg)
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.screenStream != nil {
		s.media.Release(s.screenStream)
		s.screenStream = nil
	}
	if s.localStream != nil {
		s.media.Release(s.localStream)
		s.localStream = nil
	}
	s.rejoin = nil
	s.rejoinC = nil
	s.offered = make(map[string]bool)

	s.mx.Lock()
	s.participants = make(map[string]*RemoteParticipant)
	s.order = nil
	s.localID = ""
	s.local = LocalState{}
	if cause != nil {
		s.lastErr = cause
	}
	alreadyEnded := s.state == StateEnded
	s.mx.Unlock()

	if !alreadyEnded {
		s.setState(StateEnded)
		s.logger.Info().Msg("call ended")
	}
}

func (s *Session) addParticipant(p model.Participant) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.participants[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.participants[p.ID] = &RemoteParticipant{
		ID:              p.ID,
		DisplayName:     p.DisplayName,
		AudioMuted:      p.AudioMuted,
		VideoMuted:      p.VideoMuted,
		IsScreenSharing: p.IsScreenSharing,
		ConnState:       webrtc.PeerConnectionStateNew,
	}
}

func (s *Session) removeParticipant(id string) {
	s.peers.Destroy(id)
	delete(s.offered, id)

	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.participants, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) send(msg model.Message) {
	if s.conn == nil {
		s.logger.Debug().Str("type", msg.Type).Msg("no transport, message dropped")
		return
	}
	if err := s.conn.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to send signaling message")
	}
}

func (s *Session) setState(st State) {
	s.mx.Lock()
	s.state = st
	s.mx.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: st})
}

func (s *Session) currentState() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

func (s *Session) currentLocalID() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.localID
}

func (s *Session) snapshotLocal() LocalState {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.local
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("kind", string(ev.Kind)).Msg("event buffer full, event dropped")
	}
}

func unmarshal(msg model.Message, v any) error {
	if len(msg.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(msg.Payload, v)
}
