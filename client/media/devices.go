package media

import (
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

var (
	ErrNoTracks = errors.New("no capture tracks available")
)

// Devices is the Controller backed by real capture devices via
// pion/mediadevices. Driver registration (camera, microphone, screen) is the
// caller's concern: blank-import the drivers in the binary.
type Devices struct {
	logger zerolog.Logger
	codec  *mediadevices.CodecSelector
}

func NewDevices(logger *zerolog.Logger) (*Devices, error) {
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = 1_000_000 // 1mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		logger: logger.With().Str("component", "media").Logger(),
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8Params),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) AcquireLocal(audio, video bool) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.codec,
	}
	if audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return d.wrap(ms)
}

func (d *Devices) AcquireScreen() (*Stream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.codec,
	})
	if err != nil {
		return nil, err
	}
	return d.wrap(ms)
}

func (d *Devices) Release(s *Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		if err := t.Close(); err != nil {
			d.logger.Warn().Err(err).Str("trackID", t.ID()).Msg("failed to close track")
		}
	}
	d.logger.Debug().Int("tracks", len(s.Tracks())).Msg("stream released")
}

func (d *Devices) wrap(ms mediadevices.MediaStream) (*Stream, error) {
	mdTracks := ms.GetTracks()
	if len(mdTracks) == 0 {
		return nil, ErrNoTracks
	}
	tracks := make([]Track, 0, len(mdTracks))
	for _, t := range mdTracks {
		tracks = append(tracks, &deviceTrack{t: t})
		d.logger.Debug().
			Str("trackID", t.ID()).
			Str("kind", t.Kind().String()).
			Msg("track acquired")
	}
	return NewStream(tracks...), nil
}

type deviceTrack struct {
	t mediadevices.Track
}

func (dt *deviceTrack) ID() string { return dt.t.ID() }

func (dt *deviceTrack) Kind() webrtc.RTPCodecType { return dt.t.Kind() }

func (dt *deviceTrack) Local() webrtc.TrackLocal { return dt.t }

func (dt *deviceTrack) OnEnded(h func(error)) { dt.t.OnEnded(h) }

func (dt *deviceTrack) Close() error { return dt.t.Close() }
