package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/meshcall/client/media"
	"github.com/adwski/meshcall/client/peers"
	"github.com/adwski/meshcall/client/session"
	"github.com/adwski/meshcall/client/transport"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("call", pflag.ContinueOnError)
	var (
		serverURL = fs.StringP("server", "s", "ws://localhost:8888/signal", "signaling server url")
		roomID    = fs.StringP("room", "r", "", "room to join")
		name      = fs.StringP("name", "n", "", "display name")
		audioOnly = fs.Bool("audio-only", false, "join without camera video")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" || *name == "" {
		logger.Fatal().Msg("--room and --name are required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	devices, err := media.NewDevices(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init media devices")
	}
	manager := peers.New(peers.Config{
		Logger:     &logger,
		ICEServers: iceServersFromEnv(),
	})
	sess, err := session.New(session.Config{
		Logger: &logger,
		RoomID: *roomID,
		Media:  devices,
		Peers:  manager,
		Dial: func(ctx context.Context) (session.Conn, error) {
			return transport.Dial(ctx, *serverURL, &logger)
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go sess.Run(ctx)
	go drainEvents(ctx, sess, &logger)

	if err = sess.Join(*name, *audioOnly); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}
	logger.Info().Str("room", *roomID).Msg("joining")

	<-ctx.Done()
	logger.Warn().Msg("interrupted")
	_ = sess.Leave()
}

func drainEvents(ctx context.Context, sess *session.Session, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.Events():
			switch ev.Kind {
			case session.EventStateChanged:
				logger.Info().Str("state", string(ev.State)).Msg("call state changed")
				if ev.State == session.StateEnded {
					return
				}
			case session.EventRosterChanged:
				snap := sess.Snapshot()
				logger.Info().Int("participants", len(snap.Participants)).Msg("roster changed")
			case session.EventRemoteTrack:
				logger.Info().
					Str("peer", ev.PeerID).
					Str("kind", ev.Track.Kind().String()).
					Msg("remote track")
				go consumeTrack(ev.Track, logger)
			case session.EventFailure:
				logger.Error().Err(ev.Err).Msg("session error")
			}
		}
	}
}

// consumeTrack drains inbound RTP so the jitter buffer does not back up.
// A real interface layer would decode and render here.
func consumeTrack(track *webrtc.TrackRemote, logger *zerolog.Logger) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("remote track closed")
			}
			return
		}
	}
}

func iceServersFromEnv() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := os.Getenv("STUN_SERVER_URL"); stun != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{stun}})
	}
	if turn := os.Getenv("TURN_SERVER_URL"); turn != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn},
			Username:   os.Getenv("TURN_SERVER_USERNAME"),
			Credential: os.Getenv("TURN_SERVER_PASSWORD"),
		})
	}
	return servers
}
