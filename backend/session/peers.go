package session

import (
	"context"
	"errors"
	"sort"

	"github.com/davecgh/go-spew/spew"

	"github.com/adwski/watchparty/backend/chat"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/mesh"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/playback"
	"github.com/adwski/watchparty/backend/protocol"
	"github.com/adwski/watchparty/backend/transport"
)

var leaveMessage = protocol.Leave()

// accept is called by the transport for connections opened by others.
func (s *Session) accept(conn transport.Conn) {
	if !s.post(func() { s.connected(conn, false) }) {
		_ = conn.Close()
	}
}

// connected registers a freshly opened control channel. Both sides introduce
// themselves; the opener places the camera call. On the host an inbound
// viewer also gets the playback state, the shared content and the peer list.
func (s *Session) connected(conn transport.Conn, outbound bool) {
	if s.ended {
		_ = conn.Close()
		return
	}
	addr := conn.RemoteAddress()
	if old, ok := s.peers[addr]; ok {
		s.logger.Debug().Str("peer", addr).Msg("replacing connection")
		delete(s.peers, addr)
		s.media.DropPeer(addr)
		_ = old.conn.Close()
	}
	p := &peer{
		conn:     conn,
		addr:     addr,
		outbound: outbound,
		streams:  make(map[string]struct{}),
	}
	s.peers[addr] = p
	delete(s.dialing, addr)

	conn.OnMessage(func(b []byte) {
		s.post(func() { s.receive(p, b) })
	})
	conn.OnClose(func() {
		s.post(func() { s.closed(p) })
	})

	s.logger.Debug().Str("peer", addr).Bool("outbound", outbound).Msg("connection open")
	_ = s.sendMessage(p, protocol.Identity(s.name))

	if s.role == model.RoleHost && !outbound {
		if !s.mesh.Add(addr) {
			s.logger.Debug().Str("peer", addr).Msg("peer reconnected to mesh")
		}
		s.syncLateJoiner(p)
	}
	if outbound {
		s.callCamera(p)
	}
}

// syncLateJoiner pushes source, play state and position in that order, then
// the captured content and finally the other peers to connect to.
func (s *Session) syncLateJoiner(p *peer) {
	for _, ev := range s.machine.JoinSequence() {
		_ = s.sendMessage(p, protocol.Sync(ev))
	}
	if s.content != nil {
		s.callContent(p.addr)
	}
	_ = s.sendMessage(p, protocol.PeerList(s.mesh.Others(p.addr)))
}

func (s *Session) receive(p *peer, b []byte) {
	if s.ended || s.peers[p.addr] != p {
		return
	}
	msg, err := protocol.Decode(b)
	if err != nil {
		s.logger.Debug().Err(err).Str("peer", p.addr).Msg("dropping malformed message")
		return
	}
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("peer", p.addr).Str("message", spew.Sdump(msg)).Msg("message received")
	}

	switch msg.Type {
	case protocol.TypeIdentity:
		first := p.name == ""
		p.name = msg.DisplayName
		if first {
			s.chat.System(chat.Label(p.name, p.addr) + " is here")
		}
	case protocol.TypeSync:
		s.applySync(p, *msg.Event)
	case protocol.TypeChat:
		if _, err = s.chat.Append(p.addr, p.name, msg.Text); err != nil {
			s.logger.Debug().Err(err).Str("peer", p.addr).Msg("dropping chat message")
		}
	case protocol.TypePeerList:
		s.dialPeers(p, msg.Peers)
	case protocol.TypeLeave:
		s.removePeer(p, "left the room")
	default:
		if msg.IsMedia() {
			if err = s.media.HandleSignal(p.addr, msg); err != nil {
				s.logger.Debug().Err(err).Str("peer", p.addr).Str("type", string(msg.Type)).Msg("media signal failed")
			}
		}
	}
}

// applySync only accepts events on the host's connection.
func (s *Session) applySync(p *peer, ev playback.Event) {
	if s.role != model.RoleViewer || p.addr != s.hostAddr {
		s.logger.Debug().Str("peer", p.addr).Str("event", ev.String()).Msg("ignoring sync from non-host")
		return
	}
	if err := s.follower.Apply(ev); err != nil {
		s.logger.Debug().Err(err).Str("event", ev.String()).Msg("sync event not applied")
	}
}

// dialPeers opens connections to the peers the host listed. Only the host's
// list is trusted.
func (s *Session) dialPeers(from *peer, list []string) {
	if s.role != model.RoleViewer || from.addr != s.hostAddr {
		return
	}
	targets := mesh.Plan(list, s.self, s.hostAddr, func(addr string) bool {
		_, connected := s.peers[addr]
		_, dialing := s.dialing[addr]
		return connected || dialing
	})
	for _, addr := range targets {
		s.dialing[addr] = struct{}{}
		go s.dial(addr)
	}
}

func (s *Session) dial(addr string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JoinTimeout)
	defer cancel()
	conn, err := s.tr.Open(ctx, addr)
	if err != nil {
		s.post(func() {
			delete(s.dialing, addr)
			if s.ended || errors.Is(err, context.Canceled) {
				return
			}
			s.notice(Notice{Kind: NoticeConnection, Text: "could not reach " + chat.Label("", addr)})
		})
		return
	}
	if !s.post(func() { s.connected(conn, true) }) {
		_ = conn.Close()
	}
}

func (s *Session) closed(p *peer) {
	if s.ended || s.peers[p.addr] != p {
		return
	}
	s.removePeer(p, "disconnected")
}

// removePeer forgets p and tears down its media. Losing the host ends a
// viewer's session.
func (s *Session) removePeer(p *peer, why string) {
	delete(s.peers, p.addr)
	s.media.DropPeer(p.addr)
	if s.mesh.Remove(p.addr) {
		s.logger.Debug().Str("peer", p.addr).Int("mesh", s.mesh.Len()).Msg("peer left mesh")
	}
	_ = p.conn.Close()

	s.chat.System(chat.Label(p.name, p.addr) + " " + why)
	s.logger.Debug().Str("peer", p.addr).Str("why", why).Msg("peer removed")

	if s.role == model.RoleViewer && p.addr == s.hostAddr {
		s.notice(Notice{Kind: NoticeConnection, Fatal: true, Text: "the host has left"})
		s.end(ErrHostLost)
	}
}

func (s *Session) broadcastSync(ev playback.Event) {
	if s.ended || s.role != model.RoleHost {
		return
	}
	msg := protocol.Sync(ev)
	for _, addr := range s.mesh.Peers() {
		if p, ok := s.peers[addr]; ok {
			_ = s.sendMessage(p, msg)
		}
	}
}

func (s *Session) relayChat(text string) {
	msg := protocol.Chat(text)
	for _, p := range s.sortedPeers() {
		if err := s.sendMessage(p, msg); err != nil {
			s.notice(Notice{Kind: NoticeConnection, Text: "message not delivered to " + chat.Label(p.name, p.addr)})
		}
	}
}

func (s *Session) sendMessage(p *peer, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("cannot encode message")
		return err
	}
	if err = p.conn.Send(b); err != nil {
		s.logger.Debug().Err(err).Str("peer", p.addr).Str("type", string(msg.Type)).Msg("send failed")
	}
	return err
}

func (s *Session) sortedPeers() []*peer {
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (s *Session) callCamera(p *peer) {
	if s.camera == nil || s.ended {
		return
	}
	if err := s.media.Call(p.addr, media.TagCamera, s.camera); err != nil {
		s.logger.Warn().Err(err).Str("peer", p.addr).Msg("camera call failed")
	}
}

func (s *Session) callContent(addr string) {
	if err := s.media.Call(addr, media.TagContent, s.content); err != nil {
		s.logger.Warn().Err(err).Str("peer", addr).Msg("content call failed")
	}
}
