package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/roomcode"
	"github.com/adwski/watchparty/backend/service"
	"github.com/adwski/watchparty/backend/storage"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 16 // SDP offers travel base64 encoded inside frames
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CheckMember(context.Context, string, string) error
		CreateSignalingSession(context.Context, string, string, model.Wire) error
		DeleteSignalingSession(context.Context, string, string) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		// sessions outlive requests, Shutdown does not reach hijacked
		// connections so they hang off this context instead
		sessions context.Context
		stop     context.CancelFunc

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal/room/{code}/peer/{peer}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	srv.sessions, srv.stop = context.WithCancel(context.Background())
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		srv.stop()
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	peer := r.PathValue("peer")
	if !roomcode.Valid(code) || peer == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// refuse before upgrading so clients see a plain http status
	if err := srv.svc.CheckMember(r.Context(), code, peer); err != nil {
		srv.logger.Debug().Err(err).
			Str("room", code).
			Str("peer", peer).
			Msg("signaling refused")
		switch {
		case errors.Is(err, storage.ErrRoomNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, service.ErrNotAMember):
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ps := newPeerSession(conn, code, peer, &srv.logger)
	ctx, cancel := context.WithCancel(srv.sessions)

	if err = srv.svc.CreateSignalingSession(ctx, code, peer, ps.wire); err != nil {
		ps.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		ps.hangup(websocket.CloseInternalServerErr, "cannot join relay")
		return
	}
	ps.logger.Debug().Msg("signaling session created")

	go func() {
		ps.run(ctx, cancel, srv.sessions)
		srv.destroySession(code, peer, &ps.logger)
	}()
}

func (srv *Server) destroySession(code, peer string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSignalingSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, code, peer); err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

