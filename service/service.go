package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adwski/meshcall/model"
)

var (
	ErrJoinExpected  = errors.New("expected join message")
	ErrAlreadyJoined = errors.New("already joined")
	ErrMissingTarget = errors.New("message has no target participant")
	ErrBadPayload    = errors.New("malformed payload")
	ErrUnknownType   = errors.New("unknown message type")
	ErrEmptyRoomID   = errors.New("room id must not be empty")
)

type (
	// Registry is the room-registry surface the signaling session drives.
	Registry interface {
		Join(roomID, displayName string, wire model.Wire) (string, []model.Participant)
		Leave(participantID string)
		Relay(fromID, toID string, msg model.Message)
		UpdateMute(participantID string, audio, video *bool)
		UpdateScreenShare(participantID string, active bool)
	}

	Service struct {
		reg    Registry
		logger zerolog.Logger
	}

	Config struct {
		Registry Registry
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:    cfg.Registry,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// ServeWire runs one signaling session over the given wire until the wire's
// RX side closes, ctx is cancelled, or the client leaves. Whatever the exit
// path, the participant is removed from its room exactly once.
func (svc *Service) ServeWire(ctx context.Context, wire model.Wire) {
	var participantID string
	defer func() {
		if participantID != "" {
			svc.reg.Leave(participantID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-wire.RX:
			if !ok {
				return
			}
			if participantID == "" {
				id, joined := svc.handleJoin(ctx, msg, wire)
				if joined {
					participantID = id
				}
				continue
			}
			if done := svc.handleMessage(ctx, participantID, msg, wire); done {
				return
			}
		}
	}
}

// handleJoin processes the first message of a session, which must be a join.
func (svc *Service) handleJoin(ctx context.Context, msg model.Message, wire model.Wire) (string, bool) {
	if msg.Type != model.TypeJoin {
		svc.reject(ctx, wire, ErrJoinExpected)
		return "", false
	}
	var join model.JoinPayload
	if err := json.Unmarshal(msg.Payload, &join); err != nil {
		svc.reject(ctx, wire, ErrBadPayload)
		return "", false
	}
	if join.RoomID == "" {
		svc.reject(ctx, wire, ErrEmptyRoomID)
		return "", false
	}

	id, roster := svc.reg.Join(join.RoomID, join.DisplayName, wire)

	reply, err := model.NewMessage(model.TypeRoomJoined, model.RoomJoinedPayload{
		RoomID:       join.RoomID,
		YourID:       id,
		Participants: roster,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal room-joined")
		svc.reg.Leave(id)
		return "", false
	}
	svc.deliver(ctx, wire, reply)

	svc.logger.Debug().
		Str("roomID", join.RoomID).
		Str("participantID", id).
		Msg("signaling session established")
	return id, true
}

// handleMessage dispatches a post-join message. It returns true when the
// session should end.
func (svc *Service) handleMessage(ctx context.Context, from string, msg model.Message, wire model.Wire) bool {
	switch msg.Type {
	case model.TypeLeave:
		svc.reg.Leave(from)
		return true

	case model.TypeJoin:
		svc.reject(ctx, wire, ErrAlreadyJoined)

	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate:
		if msg.To == "" {
			svc.reject(ctx, wire, ErrMissingTarget)
			return false
		}
		svc.reg.Relay(from, msg.To, msg)

	case model.TypeMute:
		var mute model.MutePayload
		if err := json.Unmarshal(msg.Payload, &mute); err != nil {
			svc.reject(ctx, wire, ErrBadPayload)
			return false
		}
		svc.reg.UpdateMute(from, mute.Audio, mute.Video)

	case model.TypeScreenShare:
		var share model.ScreenSharePayload
		if err := json.Unmarshal(msg.Payload, &share); err != nil {
			svc.reject(ctx, wire, ErrBadPayload)
			return false
		}
		svc.reg.UpdateScreenShare(from, share.Active)

	default:
		svc.reject(ctx, wire, ErrUnknownType)
	}
	return false
}

// reject reports a protocol error back to the originating connection only.
func (svc *Service) reject(ctx context.Context, wire model.Wire, cause error) {
	msg, err := model.NewMessage(model.TypeError, model.ErrorPayload{Message: cause.Error()})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal error reply")
		return
	}
	svc.deliver(ctx, wire, msg)
}

func (svc *Service) deliver(ctx context.Context, wire model.Wire, msg model.Message) {
	select {
	case wire.TX <- msg:
	case <-ctx.Done():
	}
}
