package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
)

var (
	errNoDestination   = errors.New("announcement has no destination")
	errSelfDestination = errors.New("announcement addressed to its sender")
	errForeignType     = errors.New("announcement type is not relayed between peers")
)

// relayed lists what a peer may put on the wire, joined/left only ever
// come from the directory itself.
var relayed = map[string]struct{}{
	model.AnnouncementTypeOpen:        {},
	model.AnnouncementTypeOpenAck:     {},
	model.AnnouncementTypeData:        {},
	model.AnnouncementTypeClose:       {},
	model.AnnouncementTypeUnreachable: {},
}

// peerSession pumps announcements between one peer's websocket and the
// switch. Only send and hangup write frames, and hangup runs after send
// has returned.
type peerSession struct {
	conn   *websocket.Conn
	wire   model.Wire
	peer   string
	logger zerolog.Logger
}

func newPeerSession(conn *websocket.Conn, code, peer string, logger *zerolog.Logger) *peerSession {
	return &peerSession{
		conn: conn,
		wire: model.NewWire(),
		peer: peer,
		logger: logger.With().
			Str("room", code).
			Str("peer", peer).
			Logger(),
	}
}

// admit checks an inbound announcement and stamps its source.
func (ps *peerSession) admit(ann *model.Announcement) error {
	if _, ok := relayed[ann.Type]; !ok {
		return errForeignType
	}
	switch ann.DST {
	case "":
		return errNoDestination
	case ps.peer:
		return errSelfDestination
	}
	ann.SRC = ps.peer
	return nil
}

// run blocks until either side goes away. Cancelling shutdown says
// goodbye with a going-away close code.
func (ps *peerSession) run(ctx context.Context, cancel context.CancelFunc, shutdown context.Context) {
	received := make(chan struct{})
	go func() {
		defer close(received)
		defer cancel()
		ps.receive(ctx)
	}()

	ps.send(ctx)
	cancel()

	if shutdown.Err() != nil {
		ps.hangup(websocket.CloseGoingAway, "directory is shutting down")
	} else {
		ps.hangup(websocket.CloseNormalClosure, "")
	}

	// let the peer echo the close frame, then cut the read side off
	select {
	case <-received:
	case <-time.After(defaultWebSocketCloseWriteDeadline):
	}
	_ = ps.conn.Close()
	<-received
}

func (ps *peerSession) receive(ctx context.Context) {
	ps.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	_ = ps.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	ps.conn.SetPongHandler(func(string) error {
		return ps.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	for {
		var ann model.Announcement
		if err := ps.conn.ReadJSON(&ann); err != nil {
			if malformed(err) {
				ps.logger.Debug().Err(err).Msg("dropping malformed frame")
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ps.logger.Debug().Msg("peer closed the relay")
			} else {
				ps.logger.Debug().Err(err).Msg("relay read failed")
			}
			return
		}
		if err := ps.admit(&ann); err != nil {
			ps.logger.Debug().Err(err).
				Str("type", ann.Type).
				Str("dst", ann.DST).
				Msg("dropping announcement")
			continue
		}
		if e := ps.logger.Trace(); e.Enabled() {
			e.Msg("announcement from peer:\n" + spew.Sdump(ann))
		}
		select {
		case <-ctx.Done():
			return
		case ps.wire.RX <- ann:
		}
	}
}

// malformed reports a frame that arrived whole but did not decode, the
// connection is still good after it.
func malformed(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (ps *peerSession) send(ctx context.Context) {
	ping := time.NewTicker(defaultPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(defaultWebSocketWriteDeadline)
			if err := ps.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ps.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case ann := <-ps.wire.TX:
			if e := ps.logger.Trace(); e.Enabled() {
				e.Msg("announcement to peer:\n" + spew.Sdump(ann))
			}
			_ = ps.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if err := ps.conn.WriteJSON(ann); err != nil {
				ps.logger.Debug().Err(err).Msg("relay write failed")
				return
			}
		}
	}
}

func (ps *peerSession) hangup(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	deadline := time.Now().Add(defaultWebSocketCloseWriteDeadline)
	if err := ps.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		ps.logger.Debug().Err(err).Msg("close frame was not sent")
	}
}
