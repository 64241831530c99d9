package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/storage"
)

var (
	ErrRegister   = errors.New("unable to register room")
	ErrJoin       = errors.New("unable to join room")
	ErrLeave      = errors.New("unable to leave room")
	ErrUnregister = errors.New("unable to unregister room")
	ErrGet        = errors.New("unable to get room")
	ErrNotAMember = errors.New("peer is not a member of this room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateRoom(ctx context.Context, code, host string) (*model.Room, error)
		JoinRoom(ctx context.Context, code, peer string) (*model.Room, error)
		LeaveRoom(ctx context.Context, code, peer string) error
		DeleteRoom(ctx context.Context, code, host string) error
		GetRoom(ctx context.Context, code string) (*model.Room, error)
	}

	Switch interface {
		Connect(ctx context.Context, code string, peer string, wire model.Wire) error
		Disconnect(code string, peer string) error
		Broadcast(ctx context.Context, ann model.Announcement, code string) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) RegisterRoom(ctx context.Context, code, host string) (*model.Room, error) {
	room, err := svc.store.CreateRoom(ctx, code, host)
	if err != nil {
		return nil, errors.Join(ErrRegister, err)
	}
	svc.logger.Debug().
		Str("room", code).
		Str("host", host).
		Msg("room registered")
	return room, nil
}

// ResolveRoom adds peer to the room and returns the record with the host
// address the peer should contact.
func (svc *Service) ResolveRoom(ctx context.Context, code, peer string) (*model.Room, error) {
	room, err := svc.store.JoinRoom(ctx, code, peer)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("room", code).
		Str("peer", peer).
		Msg("peer joined room")
	return room, nil
}

// LeaveRoom releases a viewer's slot. The host closes the room with
// UnregisterRoom instead.
func (svc *Service) LeaveRoom(ctx context.Context, code, peer string) error {
	room, err := svc.store.GetRoom(ctx, code)
	if err != nil {
		return errors.Join(ErrLeave, err)
	}
	if room.HostPeerAddress == peer {
		return errors.Join(ErrLeave, storage.ErrNotHost)
	}
	if err = svc.store.LeaveRoom(ctx, code, peer); err != nil {
		return errors.Join(ErrLeave, err)
	}
	svc.logger.Debug().
		Str("room", code).
		Str("peer", peer).
		Msg("peer left room")
	return nil
}

func (svc *Service) UnregisterRoom(ctx context.Context, code, host string) error {
	if err := svc.store.DeleteRoom(ctx, code, host); err != nil {
		return errors.Join(ErrUnregister, err)
	}
	svc.logger.Debug().
		Str("room", code).
		Str("host", host).
		Msg("room unregistered")
	return nil
}

// CheckMember tells whether peer may open a signaling session in the room.
func (svc *Service) CheckMember(ctx context.Context, code, peer string) error {
	room, err := svc.store.GetRoom(ctx, code)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	if _, ok := room.Participants[peer]; !ok {
		return ErrNotAMember
	}
	return nil
}

func (svc *Service) CreateSignalingSession(ctx context.Context, code, peer string, wire model.Wire) error {
	if err := svc.CheckMember(ctx, code, peer); err != nil {
		return err
	}
	if err := svc.sw.Connect(ctx, code, peer, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("peer", peer).
		Str("room", code).
		Msg("signaling session connected")

	go func() {
		ann := model.Announcement{
			Type: model.AnnouncementTypeJoined,
			SRC:  peer,
		}
		_ = svc.sw.Broadcast(ctx, ann, code)
	}()
	return nil
}

// DeleteSignalingSession tells the rest of the room the peer is gone and
// releases its slot. The room goes away with its host.
func (svc *Service) DeleteSignalingSession(ctx context.Context, code, peer string) error {
	if err := svc.sw.Disconnect(code, peer); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	_ = svc.sw.Broadcast(ctx, model.Announcement{
		SRC:  peer,
		Type: model.AnnouncementTypeLeft,
	}, code)

	room, err := svc.store.GetRoom(ctx, code)
	switch {
	case errors.Is(err, storage.ErrRoomNotFound):
	case err != nil:
		svc.logger.Error().Err(err).Str("room", code).Msg("cannot get room")
	case room.HostPeerAddress == peer:
		if err = svc.store.DeleteRoom(ctx, code, peer); err != nil {
			svc.logger.Error().Err(err).Str("room", code).Msg("cannot delete room")
		} else {
			svc.logger.Debug().Str("room", code).Msg("host left, room deleted")
		}
	default:
		if err = svc.store.LeaveRoom(ctx, code, peer); err != nil {
			svc.logger.Error().Err(err).Str("room", code).Msg("cannot release slot")
		}
	}
	svc.logger.Debug().
		Str("peer", peer).
		Str("room", code).
		Msg("signaling session deleted")
	return nil
}
