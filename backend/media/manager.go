package media

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/protocol"
)

var (
	ErrNoCall     = errors.New("no such media call")
	ErrBadSignal  = errors.New("bad media signal")
	ErrManagerOff = errors.New("media manager closed")
)

type (
	// Signal delivers a media negotiation message to a peer over its
	// control channel. It must not block.
	Signal func(peer string, msg protocol.Message) error

	// Answer picks the local stream to send back when a peer calls. Nil
	// means receive only.
	Answer func(peer, tag string) *Stream

	StreamHandler func(peer, tag string, track *webrtc.TrackRemote)
	EndedHandler  func(peer, tag string)

	Config struct {
		Logger     *zerolog.Logger
		Signal     Signal
		Answer     Answer
		ICEServers []string
	}

	CallInfo struct {
		Peer  string
		Tag   string
		State string
	}

	callKey struct {
		peer string
		tag  string
	}

	// Manager owns one peer connection per (peer, tag) call.
	Manager struct {
		api    *webrtc.API
		cfg    Config
		logger zerolog.Logger

		mx       sync.Mutex
		calls    map[callKey]*call
		onStream StreamHandler
		onEnded  EndedHandler
		closed   bool
	}
)

func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg:    cfg,
		logger: logger.With().Str("component", "media").Logger(),
		calls:  make(map[callKey]*call),
	}, nil
}

func (m *Manager) OnStream(fn StreamHandler) {
	m.mx.Lock()
	m.onStream = fn
	m.mx.Unlock()
}

func (m *Manager) OnEnded(fn EndedHandler) {
	m.mx.Lock()
	m.onEnded = fn
	m.mx.Unlock()
}

// Call offers stream to peer under tag. An existing call with the same key
// is replaced.
func (m *Manager) Call(peer, tag string, stream *Stream) error {
	c, err := m.newCall(peer, tag, stream)
	if err != nil {
		return err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		m.drop(c)
		return err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		m.drop(c)
		return err
	}
	if err = m.cfg.Signal(peer, protocol.Media(protocol.TypeMediaOffer, protocol.MediaSignal{Tag: tag, SDP: offer.SDP})); err != nil {
		m.drop(c)
		return err
	}
	c.descriptionSent()
	m.logger.Debug().Str("peer", peer).Str("tag", tag).Msg("offer sent")
	return nil
}

// HandleSignal processes media-* messages received from peer.
func (m *Manager) HandleSignal(peer string, msg protocol.Message) error {
	if msg.Media == nil {
		return ErrBadSignal
	}
	sig := *msg.Media
	switch msg.Type {
	case protocol.TypeMediaOffer:
		return m.answer(peer, sig)
	case protocol.TypeMediaAnswer:
		c := m.get(peer, sig.Tag)
		if c == nil {
			return ErrNoCall
		}
		return c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case protocol.TypeMediaICE:
		c := m.get(peer, sig.Tag)
		if c == nil {
			return ErrNoCall
		}
		return c.addCandidate(webrtc.ICECandidateInit{
			Candidate:     sig.Candidate,
			SDPMid:        sig.SDPMid,
			SDPMLineIndex: sig.SDPMLineIndex,
		})
	case protocol.TypeMediaHangup:
		if c := m.get(peer, sig.Tag); c != nil {
			m.drop(c)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBadSignal, msg.Type)
	}
}

// Hangup ends a call and tells the peer.
func (m *Manager) Hangup(peer, tag string) {
	c := m.get(peer, tag)
	if c == nil {
		return
	}
	m.drop(c)
	if err := m.cfg.Signal(peer, protocol.Media(protocol.TypeMediaHangup, protocol.MediaSignal{Tag: tag})); err != nil {
		m.logger.Debug().Err(err).Str("peer", peer).Str("tag", tag).Msg("hangup not delivered")
	}
}

// HangupTag ends every call with tag, e.g. when the shared content changes.
func (m *Manager) HangupTag(tag string) {
	for _, c := range m.list(func(k callKey) bool { return k.tag == tag }) {
		m.Hangup(c.key.peer, tag)
	}
}

// DropPeer ends every call with peer without signaling, for when its
// control channel is already gone.
func (m *Manager) DropPeer(peer string) {
	for _, c := range m.list(func(k callKey) bool { return k.peer == peer }) {
		m.drop(c)
	}
}

func (m *Manager) Has(peer, tag string) bool {
	return m.get(peer, tag) != nil
}

func (m *Manager) Calls() []CallInfo {
	calls := m.list(func(callKey) bool { return true })
	out := make([]CallInfo, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallInfo{Peer: c.key.peer, Tag: c.key.tag, State: c.pc.ConnectionState().String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// Close ends every call. The manager cannot be used afterwards.
func (m *Manager) Close() {
	m.mx.Lock()
	m.closed = true
	m.mx.Unlock()
	for _, c := range m.list(func(callKey) bool { return true }) {
		m.drop(c)
	}
}

func (m *Manager) answer(peer string, sig protocol.MediaSignal) error {
	var local *Stream
	if m.cfg.Answer != nil {
		local = m.cfg.Answer(peer, sig.Tag)
	}
	c, err := m.newCall(peer, sig.Tag, nil)
	if err != nil {
		return err
	}
	if err = c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		m.drop(c)
		return errors.Join(ErrBadSignal, err)
	}
	if local != nil {
		if err = c.attach(local); err != nil {
			m.drop(c)
			return err
		}
	}
	ans, err := c.pc.CreateAnswer(nil)
	if err != nil {
		m.drop(c)
		return err
	}
	if err = c.pc.SetLocalDescription(ans); err != nil {
		m.drop(c)
		return err
	}
	if err = m.cfg.Signal(peer, protocol.Media(protocol.TypeMediaAnswer, protocol.MediaSignal{Tag: sig.Tag, SDP: ans.SDP})); err != nil {
		m.drop(c)
		return err
	}
	c.descriptionSent()
	m.logger.Debug().Str("peer", peer).Str("tag", sig.Tag).Bool("sending", local != nil).Msg("answer sent")
	return nil
}

func (m *Manager) newCall(peer, tag string, stream *Stream) (*call, error) {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return nil, ErrManagerOff
	}
	old := m.calls[callKey{peer, tag}]
	m.mx.Unlock()
	if old != nil {
		m.drop(old)
	}

	var servers []webrtc.ICEServer
	if len(m.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: m.cfg.ICEServers}}
	}
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	c := &call{key: callKey{peer, tag}, pc: pc, mgr: m}

	pc.OnICECandidate(c.localCandidate)
	pc.OnTrack(c.remoteTrack)
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.logger.Debug().Str("peer", peer).Str("tag", tag).Str("state", st.String()).Msg("call state")
		if st == webrtc.PeerConnectionStateFailed {
			go m.drop(c)
		}
	})

	if stream != nil {
		if err = c.attach(stream); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	m.mx.Lock()
	m.calls[c.key] = c
	m.mx.Unlock()
	return c, nil
}

func (m *Manager) get(peer, tag string) *call {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.calls[callKey{peer, tag}]
}

func (m *Manager) list(match func(callKey) bool) []*call {
	m.mx.Lock()
	defer m.mx.Unlock()
	var out []*call
	for k, c := range m.calls {
		if match(k) {
			out = append(out, c)
		}
	}
	return out
}

// drop closes c and forgets it if it is still the current call for its key.
func (m *Manager) drop(c *call) {
	m.mx.Lock()
	current := m.calls[c.key] == c
	if current {
		delete(m.calls, c.key)
	}
	onEnded := m.onEnded
	m.mx.Unlock()

	if !c.close() {
		return
	}
	if current && onEnded != nil {
		onEnded(c.key.peer, c.key.tag)
	}
}

type call struct {
	key callKey
	pc  *webrtc.PeerConnection
	mgr *Manager

	mx         sync.Mutex
	sent       bool
	haveRemote bool
	outbox     []webrtc.ICECandidateInit
	inbox      []webrtc.ICECandidateInit
	closed     bool
}

func (c *call) attach(s *Stream) error {
	for _, t := range s.Tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		// RTCP has to be read for interceptors to work
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// localCandidate holds candidates back until our description went out so
// the peer never sees a candidate for a call it does not know yet.
func (c *call) localCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	ci := cand.ToJSON()
	c.mx.Lock()
	if !c.sent {
		c.outbox = append(c.outbox, ci)
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	c.sendCandidate(ci)
}

func (c *call) descriptionSent() {
	c.mx.Lock()
	c.sent = true
	out := c.outbox
	c.outbox = nil
	c.mx.Unlock()
	for _, ci := range out {
		c.sendCandidate(ci)
	}
}

func (c *call) sendCandidate(ci webrtc.ICECandidateInit) {
	err := c.mgr.cfg.Signal(c.key.peer, protocol.Media(protocol.TypeMediaICE, protocol.MediaSignal{
		Tag:           c.key.tag,
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}))
	if err != nil {
		c.mgr.logger.Debug().Err(err).Str("peer", c.key.peer).Msg("candidate not delivered")
	}
}

func (c *call) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mx.Lock()
	c.haveRemote = true
	pending := c.inbox
	c.inbox = nil
	c.mx.Unlock()

	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			c.mgr.logger.Debug().Err(err).Msg("queued candidate rejected")
		}
	}
	return nil
}

func (c *call) addCandidate(ci webrtc.ICECandidateInit) error {
	c.mx.Lock()
	if !c.haveRemote {
		c.inbox = append(c.inbox, ci)
		c.mx.Unlock()
		return nil
	}
	c.mx.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *call) remoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a key frame so the tile shows up right away
		err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			c.mgr.logger.Debug().Err(err).Msg("failed to send pli")
		}
	}
	c.mgr.mx.Lock()
	fn := c.mgr.onStream
	c.mgr.mx.Unlock()
	if fn != nil {
		fn(c.key.peer, c.key.tag, track)
	}
}

func (c *call) close() bool {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return false
	}
	c.closed = true
	c.mx.Unlock()
	if err := c.pc.Close(); err != nil {
		c.mgr.logger.Debug().Err(err).Msg("peer connection close failed")
	}
	return true
}

// Drain reads a remote track until it ends, handing each packet to sink.
func Drain(track *webrtc.TrackRemote, sink func(*rtp.Packet)) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if sink != nil {
			sink(pkt)
		}
	}
}
