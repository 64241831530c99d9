// Package memory connects peers living in one process. Each endpoint gets
// its own inbox goroutine so delivery never runs on the sender's stack.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/transport"
)

var ErrAddressInUse = errors.New("address already in use")

// Network is a set of rooms with their listening endpoints.
type Network struct {
	logger zerolog.Logger

	mx        sync.RWMutex
	endpoints map[string]map[string]*inbox
}

func NewNetwork(logger *zerolog.Logger) *Network {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Network{
		logger:    logger.With().Str("component", "memory-network").Logger(),
		endpoints: make(map[string]map[string]*inbox),
	}
}

// Transport returns a new unattached transport on this network.
func (n *Network) Transport() *Transport {
	return &Transport{net: n}
}

func (n *Network) attach(room, addr string, in *inbox) error {
	n.mx.Lock()
	peers, ok := n.endpoints[room]
	if !ok {
		peers = make(map[string]*inbox)
		n.endpoints[room] = peers
	}
	if _, taken := peers[addr]; taken {
		n.mx.Unlock()
		return ErrAddressInUse
	}
	peers[addr] = in
	others := n.othersLocked(room, addr)
	n.mx.Unlock()

	for _, o := range others {
		o.push(model.Announcement{SRC: addr, Type: model.AnnouncementTypeJoined})
	}
	return nil
}

func (n *Network) detach(room, addr string) {
	n.mx.Lock()
	peers := n.endpoints[room]
	delete(peers, addr)
	if len(peers) == 0 {
		delete(n.endpoints, room)
	}
	others := n.othersLocked(room, addr)
	n.mx.Unlock()

	for _, o := range others {
		o.push(model.Announcement{SRC: addr, Type: model.AnnouncementTypeLeft})
	}
}

func (n *Network) othersLocked(room, except string) []*inbox {
	var out []*inbox
	for addr, in := range n.endpoints[room] {
		if addr != except {
			out = append(out, in)
		}
	}
	return out
}

// route behaves like the relay switch: unknown destinations bounce back to
// the sender as unreachable.
func (n *Network) route(room string, ann model.Announcement) error {
	n.mx.RLock()
	peers := n.endpoints[room]
	dst, ok := peers[ann.DST]
	src := peers[ann.SRC]
	n.mx.RUnlock()

	if ok {
		dst.push(ann)
		return nil
	}
	n.logger.Debug().Str("room", room).Str("dst", ann.DST).Msg("destination not found")
	if src != nil && ann.Type != model.AnnouncementTypeUnreachable {
		src.push(model.Announcement{
			DST:     ann.SRC,
			SRC:     ann.DST,
			Type:    model.AnnouncementTypeUnreachable,
			Payload: ann.Payload,
		})
	}
	return nil
}

type Transport struct {
	net *Network

	mx    sync.Mutex
	room  string
	self  string
	mux   *transport.Mux
	inbox *inbox
}

func (t *Transport) Listen(ctx context.Context, room, self string, accept func(transport.Conn)) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.mux != nil {
		return ErrAddressInUse
	}

	mux := transport.NewMux(transport.MuxConfig{
		Self:   self,
		Uplink: func(ann model.Announcement) error { return t.net.route(room, ann) },
		Logger: &t.net.logger,
	})
	mux.Accept(accept)
	in := newInbox(mux.Deliver)
	if err := t.net.attach(room, self, in); err != nil {
		in.stop()
		return err
	}
	t.room, t.self, t.mux, t.inbox = room, self, mux, in

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()
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
	mux, in, room, self := t.mux, t.inbox, t.room, t.self
	t.mux, t.inbox = nil, nil
	t.mx.Unlock()
	if mux == nil {
		return nil
	}
	mux.Close()
	t.net.detach(room, self)
	in.stop()
	return nil
}

// inbox is an unbounded FIFO drained by one goroutine.
type inbox struct {
	deliver func(model.Announcement)

	mx     sync.Mutex
	queue  []model.Announcement
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newInbox(deliver func(model.Announcement)) *inbox {
	in := &inbox{
		deliver: deliver,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go in.run()
	return in
}

func (in *inbox) push(ann model.Announcement) {
	in.mx.Lock()
	in.queue = append(in.queue, ann)
	in.mx.Unlock()
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *inbox) stop() {
	in.once.Do(func() { close(in.done) })
}

func (in *inbox) run() {
	for {
		select {
		case <-in.done:
			return
		case <-in.notify:
		}
		for {
			in.mx.Lock()
			if len(in.queue) == 0 {
				in.mx.Unlock()
				break
			}
			ann := in.queue[0]
			in.queue = in.queue[1:]
			in.mx.Unlock()
			in.deliver(ann)
		}
	}
}
