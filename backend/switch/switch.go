// Package _switch forwards relay announcements between the websocket
// sessions of one room. Announcements with DST set go to that peer only,
// the rest are broadcast to everyone but the source.
package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(room, peer string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("room", room).
			Str("peer", peer).
			Msg("peer disconnected")
	}()

	if peers, ok := sw.fwd[room]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(sw.fwd, room)
		}
	}
	return nil
}

// Connect plugs a wire into the room. Announcements read from wire.RX are
// forwarded until ctx is done.
func (sw *Switch) Connect(ctx context.Context, room, peer string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("room", room).
			Str("peer", peer).
			Msg("peer connected")
		go sw.forwardAnnouncements(ctx, room, wire.RX)
	}()

	peers, ok := sw.fwd[room]
	if !ok {
		peers = make(map[string]model.Wire)
		sw.fwd[room] = peers
	}
	peers[peer] = wire
	return nil
}

func (sw *Switch) forwardAnnouncements(ctx context.Context, room string, rx <-chan model.Announcement) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ann := <-rx:
			if ann.SRC == "" {
				sw.logger.Error().
					Str("room", room).
					Msg("announcement with empty src")
				continue
			}
			if !sw.forward(ctx, ann, room) {
				sw.logger.Debug().
					Str("room", room).
					Str("src", ann.SRC).
					Msg("incoming announce was dropped, nowhere to forward")
			}
		}
	}
}

func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, room string) error {
	ann.DST = ""
	if !sw.forward(ctx, ann, room) {
		sw.logger.Debug().
			Str("room", room).
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement, room string) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("room", room).
			Str("type", ann.Type).
			Str("src", ann.SRC).Logger()
	)

	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.fwd[room]))
	for peer, wire := range sw.fwd[room] {
		targets[peer] = wire
	}
	sw.mx.RUnlock()

	if ann.DST == "" {
		for dst, wire := range targets {
			if dst == ann.SRC {
				continue
			}
			annSent, canceled := send(ctx, ann, wire.TX, &logger)
			if canceled {
				break
			}
			if annSent {
				sent = true
			}
		}
		return sent
	}

	wire, ok := targets[ann.DST]
	if ok {
		sent, _ = send(ctx, ann, wire.TX, &logger)
		return sent
	}
	logger.Debug().Str("dst", ann.DST).Msg("cannot forward, dst not found")

	// the sender learns right away instead of waiting for its own timeout
	back, ok := targets[ann.SRC]
	if !ok || ann.Type == model.AnnouncementTypeUnreachable {
		return false
	}
	send(ctx, model.Announcement{
		DST:     ann.SRC,
		SRC:     ann.DST,
		Type:    model.AnnouncementTypeUnreachable,
		Payload: ann.Payload,
	}, back.TX, &logger)
	return false
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case tx <- ann:
		logger.Debug().Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
