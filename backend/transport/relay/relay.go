// Package relay is the primary transport: every peer keeps one websocket to
// the directory server, whose switch forwards announcements between peers of
// the same room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/transport"
)

const (
	defaultDialRetries      = 5
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = 2 * time.Second
	defaultMaxMessageSize   = 1 << 16
)

var (
	ErrDial         = errors.New("unable to reach relay")
	ErrAlreadyBound = errors.New("relay transport is already listening")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// URL is the directory's signaling base, e.g. ws://localhost:8888.
		URL         string
		DialRetries uint64
		Header      http.Header
	}

	Transport struct {
		cfg    Config
		logger zerolog.Logger
		dialer *websocket.Dialer

		mx     sync.Mutex
		conn   *websocket.Conn
		mux    *transport.Mux
		cancel context.CancelFunc
		done   chan struct{}

		wmx sync.Mutex // gorilla allows one concurrent writer
	}
)

func New(cfg Config) *Transport {
	if cfg.DialRetries == 0 {
		cfg.DialRetries = defaultDialRetries
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "relay").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

// SignalURL builds the websocket address of a peer endpoint.
func SignalURL(base, room, peer string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	return u.JoinPath("signal", "room", room, "peer", peer).String(), nil
}

func (t *Transport) Listen(ctx context.Context, room, self string, accept func(transport.Conn)) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != nil {
		return ErrAlreadyBound
	}

	target, err := SignalURL(t.cfg.URL, room, self)
	if err != nil {
		return errors.Join(ErrDial, err)
	}
	conn, err := t.dial(ctx, target)
	if err != nil {
		return err
	}
	conn.SetReadLimit(defaultMaxMessageSize)

	mux := transport.NewMux(transport.MuxConfig{
		Self:   self,
		Uplink: t.write,
		Logger: &t.logger,
	})
	mux.Accept(accept)

	rctx, cancel := context.WithCancel(ctx)
	t.conn, t.mux, t.cancel, t.done = conn, mux, cancel, make(chan struct{})
	go t.receive(rctx, conn, mux, t.done)

	t.logger.Debug().Str("room", room).Str("self", self).Msg("relay connected")
	return nil
}

func (t *Transport) Open(ctx context.Context, remote string) (transport.Conn, error) {
	t.mx.Lock()
	mux := t.mux
	t.mx.Unlock()
	if mux == nil {
		return nil, transport.ErrNotListening
	}
	return mux.Open(ctx, remote)
}

func (t *Transport) Close() error {
	t.mx.Lock()
	conn, mux, cancel, done := t.conn, t.mux, t.cancel, t.done
	t.mx.Unlock()
	if conn == nil {
		return nil
	}

	// remotes still get close announcements before the socket goes away
	mux.Close()
	t.mx.Lock()
	t.conn, t.mux = nil, nil
	t.mx.Unlock()
	cancel()

	t.wmx.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultCloseDeadline))
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmx.Unlock()
	if err != nil {
		t.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	_ = conn.Close()
	<-done
	return nil
}

func (t *Transport) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, resp, err := t.dialer.DialContext(ctx, target, t.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.logger.Debug().Err(err).Str("url", target).Msg("relay dial failed")
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// not a member of the room, retrying will not help
				return &backoff.PermanentError{Err: fmt.Errorf("relay refused: %s", resp.Status)}
			}
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.cfg.DialRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	return conn, nil
}

func (t *Transport) write(ann model.Announcement) error {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}

	t.wmx.Lock()
	defer t.wmx.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteJSON(&ann)
}

func (t *Transport) receive(ctx context.Context, conn *websocket.Conn, mux *transport.Mux, done chan<- struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Warn().Err(err).Msg("relay closed the connection")
				} else {
					t.logger.Error().Err(err).Msg("relay connection lost")
				}
			}
			mux.Drop()
			return
		}
		var ann model.Announcement
		if err = json.Unmarshal(msg, &ann); err != nil {
			t.logger.Error().Err(err).Msg("failed to unmarshall incoming announcement")
			continue
		}
		if e := t.logger.Trace(); e.Enabled() {
			e.Str("announcement", spew.Sdump(ann)).Msg("inbound")
		}
		mux.Deliver(ann)
	}
}
