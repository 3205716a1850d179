// Package media isolates device acquisition from the rest of the client.
package media

import (
	"github.com/pion/webrtc/v3"
)

// Track is one audio or video component of an acquired stream.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Local returns the track in the form a peer connection can send.
	Local() webrtc.TrackLocal
	// OnEnded fires when the underlying capture stops out of band,
	// e.g. the OS revokes a screen share.
	OnEnded(handler func(error))
	Close() error
}

// Stream is a set of tracks acquired together and released together.
type Stream struct {
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

func (s *Stream) AudioTrack() Track {
	return s.trackOfKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) VideoTrack() Track {
	return s.trackOfKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) trackOfKind(kind webrtc.RTPCodecType) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Controller acquires and releases capture streams. Callers must not assume
// acquisition succeeds and must Release every acquired stream exactly once.
type Controller interface {
	AcquireLocal(audio, video bool) (*Stream, error)
	AcquireScreen() (*Stream, error)
	Release(s *Stream)
}

// StaticTrack adapts an already-built local track (e.g. a test source) to
// the Track interface. OnEnded never fires for it.
type StaticTrack struct {
	track webrtc.TrackLocal
}

func NewStaticTrack(t webrtc.TrackLocal) *StaticTrack {
	return &StaticTrack{track: t}
}

func (st *StaticTrack) ID() string { return st.track.ID() }

func (st *StaticTrack) Kind() webrtc.RTPCodecType { return st.track.Kind() }

func (st *StaticTrack) Local() webrtc.TrackLocal { return st.track }

func (st *StaticTrack) OnEnded(func(error)) {}

func (st *StaticTrack) Close() error { return nil }
