package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/meshcall/model"
)

const (
	defaultFanoutTimeout = time.Second
)

// Registry is the authoritative mapping from room id to participant set.
// Operations on one room are serialized by the room's own mutex; the
// top-level mutex only guards the room table and the participant index.
//
// Lock order is always rooms table first, then room. A room's mutex is
// acquired before the table mutex is released, so a room pointer obtained
// from the table cannot be deleted underneath its holder.
type Registry struct {
	logger zerolog.Logger
	mx     sync.Mutex
	rooms  map[string]*room
	index  map[string]string // participant id -> room id
}

type room struct {
	mx      sync.Mutex
	id      string
	members map[string]*member
}

type member struct {
	p    model.Participant
	wire model.Wire
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		rooms:  make(map[string]*room),
		index:  make(map[string]string),
	}
}

// Join inserts a new participant into roomID, creating the room if absent.
// It returns the allocated participant id and the full roster including the
// new entry, and announces the join to every other member.
func (r *Registry) Join(roomID, displayName string, wire model.Wire) (string, []model.Participant) {
	id := uuid.NewString()

	rm := r.lockOrCreateRoom(roomID)

	rm.members[id] = &member{
		p: model.Participant{
			ID:          id,
			DisplayName: displayName,
			VideoMuted:  true, // until the client reports otherwise
		},
		wire: wire,
	}

	roster := rm.roster()

	msg, err := model.NewMessage(model.TypeParticipantJoined, model.ParticipantJoinedPayload{
		Participant: rm.members[id].p,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal join announcement")
	} else {
		rm.fanout(msg, id, &r.logger)
	}
	rm.mx.Unlock()

	r.mx.Lock()
	r.index[id] = roomID
	r.mx.Unlock()

	r.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", id).
		Str("displayName", displayName).
		Msg("participant joined room")
	return id, roster
}

// Leave removes the participant and announces it to the remaining members.
// The room is deleted once its last member is gone. Calling Leave for an
// unknown or already-removed id is a no-op.
func (r *Registry) Leave(participantID string) {
	rm, roomID, ok := r.lockMemberRoom(participantID)
	if !ok {
		return
	}

	if _, present := rm.members[participantID]; !present {
		rm.mx.Unlock()
		return
	}
	delete(rm.members, participantID)
	empty := len(rm.members) == 0

	msg, err := model.NewMessage(model.TypeParticipantLeft, model.ParticipantLeftPayload{ID: participantID})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal leave announcement")
	} else {
		rm.fanout(msg, participantID, &r.logger)
	}
	rm.mx.Unlock()

	r.mx.Lock()
	delete(r.index, participantID)
	r.mx.Unlock()

	if empty {
		r.deleteRoomIfEmpty(roomID)
	}

	r.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", participantID).
		Msg("participant left room")
}

// Relay forwards an offer/answer/candidate message to a participant within
// the sender's room. An absent target is an expected race with leave and is
// dropped silently.
func (r *Registry) Relay(fromID, toID string, msg model.Message) {
	rm, _, ok := r.lockMemberRoom(fromID)
	if !ok {
		return
	}
	defer rm.mx.Unlock()

	target, present := rm.members[toID]
	if !present {
		r.logger.Debug().
			Str("src", fromID).
			Str("dst", toID).
			Str("type", msg.Type).
			Msg("cannot forward, dst not found")
		return
	}

	msg.From = fromID
	msg.To = ""
	send(msg, target.wire.TX, toID, &r.logger)
}

// UpdateMute records the participant's mute flags and announces the new state
// to every other room member. Nil fields leave the corresponding flag as is.
func (r *Registry) UpdateMute(participantID string, audio, video *bool) {
	rm, _, ok := r.lockMemberRoom(participantID)
	if !ok {
		return
	}
	defer rm.mx.Unlock()

	m, present := rm.members[participantID]
	if !present {
		return
	}
	if audio != nil {
		m.p.AudioMuted = *audio
	}
	if video != nil {
		m.p.VideoMuted = *video
	}

	msg, err := model.NewMessage(model.TypeMuteUpdate, model.MuteUpdatePayload{
		Audio: m.p.AudioMuted,
		Video: m.p.VideoMuted,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal mute update")
		return
	}
	msg.From = participantID
	rm.fanout(msg, participantID, &r.logger)
}

// UpdateScreenShare records the screen-share flag and announces it to every
// other room member.
func (r *Registry) UpdateScreenShare(participantID string, active bool) {
	rm, _, ok := r.lockMemberRoom(participantID)
	if !ok {
		return
	}
	defer rm.mx.Unlock()

	m, present := rm.members[participantID]
	if !present {
		return
	}
	m.p.IsScreenSharing = active

	msg, err := model.NewMessage(model.TypeScreenShareUpdate, model.ScreenSharePayload{Active: active})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal screen share update")
		return
	}
	msg.From = participantID
	rm.fanout(msg, participantID, &r.logger)
}

// RoomSnapshot returns the current roster of roomID, or false if the room
// does not exist.
func (r *Registry) RoomSnapshot(roomID string) ([]model.Participant, bool) {
	r.mx.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mx.Unlock()
		return nil, false
	}
	rm.mx.Lock()
	r.mx.Unlock()
	defer rm.mx.Unlock()

	return rm.roster(), true
}

// lockOrCreateRoom returns roomID's entry with its mutex held, creating the
// room if it does not exist yet.
func (r *Registry) lockOrCreateRoom(roomID string) *room {
	r.mx.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:      roomID,
			members: make(map[string]*member),
		}
		r.rooms[roomID] = rm
	}
	rm.mx.Lock()
	r.mx.Unlock()
	return rm
}

// lockMemberRoom resolves a participant id to its room and returns the room
// with its mutex held.
func (r *Registry) lockMemberRoom(participantID string) (*room, string, bool) {
	r.mx.Lock()
	roomID, ok := r.index[participantID]
	if !ok {
		r.mx.Unlock()
		return nil, "", false
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mx.Unlock()
		return nil, "", false
	}
	rm.mx.Lock()
	r.mx.Unlock()
	return rm, roomID, true
}

func (r *Registry) deleteRoomIfEmpty(roomID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mx.Lock()
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug().Str("roomID", roomID).Msg("room deleted")
	}
	rm.mx.Unlock()
}

// roster builds a copy of the room's participant records, in no
// particular order. Caller holds the room mutex.
func (rm *room) roster() []model.Participant {
	roster := make([]model.Participant, 0, len(rm.members))
	for _, m := range rm.members {
		roster = append(roster, m.p)
	}
	return roster
}

// fanout delivers msg to every member except skipID.
// Caller holds the room mutex.
func (rm *room) fanout(msg model.Message, skipID string, logger *zerolog.Logger) {
	for id, m := range rm.members {
		if id == skipID {
			continue
		}
		send(msg, m.wire.TX, id, logger)
	}
}

func send(msg model.Message, tx chan<- model.Message, dst string, logger *zerolog.Logger) bool {
	t := time.NewTimer(defaultFanoutTimeout)
	defer t.Stop()
	select {
	case tx <- msg:
		return true
	case <-t.C:
		logger.Error().Str("dst", dst).Str("type", msg.Type).Msg("dead endpoint, message dropped")
		return false
	}
}
