package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/roomcode"
	"github.com/adwski/watchparty/backend/storage"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 4096
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	RegisterRoom(ctx context.Context, code, host string) (*model.Room, error)
	ResolveRoom(ctx context.Context, code, peer string) (*model.Room, error)
	LeaveRoom(ctx context.Context, code, peer string) error
	UnregisterRoom(ctx context.Context, code, host string) error
}

type RegisterRequest struct {
	Code        string `json:"room_code"`
	HostAddress string `json:"host_address"`
}

type JoinRequest struct {
	PeerAddress string `json:"peer_address"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms", srv.registerRoom)
	r.HandleFunc("POST /api/rooms/{code}/join", srv.joinRoom)
	r.HandleFunc("POST /api/rooms/{code}/leave", srv.leaveRoom)
	r.HandleFunc("DELETE /api/rooms/{code}", srv.unregisterRoom)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) registerRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req RegisterRequest
	if !readJSON(r, &req) || !roomcode.Valid(req.Code) || req.HostAddress == "" {
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "bad request"})
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got register request")

	room, err := srv.svc.RegisterRoom(r.Context(), req.Code, req.HostAddress)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeResponse(w, http.StatusCreated, &GenericResponse{Message: "created", Data: room})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	var req JoinRequest
	if !readJSON(r, &req) || !roomcode.Valid(code) || req.PeerAddress == "" {
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "bad request"})
		return
	}
	srv.logger.Trace().Str("room", code).Any("request", req).Msg("got join request")

	room, err := srv.svc.ResolveRoom(r.Context(), code, req.PeerAddress)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room})
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	var req JoinRequest
	if !readJSON(r, &req) || req.PeerAddress == "" {
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "bad request"})
		return
	}

	if err := srv.svc.LeaveRoom(r.Context(), code, req.PeerAddress); err != nil {
		srv.writeError(w, err)
		return
	}
	writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) unregisterRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	var req RegisterRequest
	if !readJSON(r, &req) || req.HostAddress == "" {
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "bad request"})
		return
	}

	if err := srv.svc.UnregisterRoom(r.Context(), code, req.HostAddress); err != nil {
		srv.writeError(w, err)
		return
	}
	writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrCodeTaken), errors.Is(err, storage.ErrRoomFull):
		code = http.StatusConflict
	case errors.Is(err, storage.ErrRoomNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrNotHost):
		code = http.StatusForbidden
	default:
		srv.logger.Error().Err(err).Msg("room request failed")
	}
	writeResponse(w, code, &GenericResponse{Error: err.Error()})
}

func readJSON(r *http.Request, v any) bool {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	if err != nil {
		return false
	}
	return json.Unmarshal(body, v) == nil
}

func writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
