// Package transport is the client half of the signaling channel: one
// websocket connection carrying protocol messages, never media.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/meshcall/model"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 64000

	// relay pings every 5s, this is how long we wait before giving up on it
	defaultReadWait = 15 * time.Second

	defaultInboundBuffer = 32
)

type Transport struct {
	logger  zerolog.Logger
	conn    *websocket.Conn
	inbound chan model.Message
	done    chan struct{}
	quit    chan struct{}

	wmx       sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay's signaling endpoint and starts reading.
func Dial(ctx context.Context, url string, logger *zerolog.Logger) (*Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t := &Transport{
		logger:  logger.With().Str("component", "transport").Logger(),
		conn:    conn,
		inbound: make(chan model.Message, defaultInboundBuffer),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go t.readLoop()

	t.logger.Debug().Str("url", url).Msg("signaling transport connected")
	return t, nil
}

// Send writes one message. Safe for concurrent use.
func (t *Transport) Send(msg model.Message) error {
	t.wmx.Lock()
	defer t.wmx.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return t.conn.WriteJSON(&msg)
}

// Inbound delivers relay messages. The channel is closed when the
// connection is lost or closed.
func (t *Transport) Inbound() <-chan model.Message {
	return t.inbound
}

// Done is closed once the read side of the connection has terminated,
// whether by Close or by transport loss.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close shuts the connection down. Safe to call multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		t.wmx.Lock()
		wsErr := t.conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
		if wsErr == nil {
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		t.wmx.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) readLoop() {
	defer func() {
		close(t.inbound)
		close(t.done)
		_ = t.conn.Close()
	}()

	t.conn.SetReadLimit(defaultMaxMessageSize)
	if err := t.conn.SetReadDeadline(time.Now().Add(defaultReadWait)); err != nil {
		t.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	t.conn.SetPingHandler(func(appData string) error {
		if err := t.conn.SetReadDeadline(time.Now().Add(defaultReadWait)); err != nil {
			return err
		}
		t.wmx.Lock()
		defer t.wmx.Unlock()
		return t.conn.WriteControl(websocket.PongMessage,
			[]byte(appData), time.Now().Add(defaultWriteDeadline))
	})

	for {
		var msg model.Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				t.logger.Debug().Err(err).Msg("signaling connection closed")
			} else {
				t.logger.Warn().Err(err).Msg("signaling transport lost")
			}
			return
		}
		// nobody may be draining inbound anymore once the consumer is
		// done with this transport, so never send unconditionally
		select {
		case t.inbound <- msg:
		case <-t.quit:
			return
		}
	}
}
