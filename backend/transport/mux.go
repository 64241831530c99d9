package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
)

// Frame is the payload of peer announcements.
type Frame struct {
	Conn string `json:"conn"`
	Data []byte `json:"data,omitempty"`
}

type (
	// Uplink hands an announcement to the medium.
	Uplink func(ann model.Announcement) error

	MuxConfig struct {
		Self   string
		Uplink Uplink
		Logger *zerolog.Logger
	}

	// Mux runs virtual connections over a medium that moves announcements
	// between peer addresses. The medium must call Deliver from a single
	// goroutine so per-peer order is kept.
	Mux struct {
		self   string
		uplink Uplink
		logger zerolog.Logger

		mx      sync.Mutex
		accept  func(Conn)
		conns   map[string]*conn
		pending map[string]chan error
		closed  bool
	}
)

func NewMux(cfg MuxConfig) *Mux {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Mux{
		self:    cfg.Self,
		uplink:  cfg.Uplink,
		logger:  logger.With().Str("component", "mux").Str("self", cfg.Self).Logger(),
		conns:   make(map[string]*conn),
		pending: make(map[string]chan error),
	}
}

func (m *Mux) Self() string {
	return m.self
}

// Accept sets the handler for inbound connections. Until it is set, open
// requests are answered as unreachable.
func (m *Mux) Accept(fn func(Conn)) {
	m.mx.Lock()
	m.accept = fn
	m.mx.Unlock()
}

func (m *Mux) Open(ctx context.Context, remote string) (Conn, error) {
	if remote == "" || remote == m.self {
		return nil, fmt.Errorf("%w: bad remote address %q", ErrUnreachable, remote)
	}
	c := newConn(m, uuid.NewString(), remote)
	result := make(chan error, 1)

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return nil, ErrClosed
	}
	m.conns[c.id] = c
	m.pending[c.id] = result
	m.mx.Unlock()

	if err := m.send(model.AnnouncementTypeOpen, remote, Frame{Conn: c.id}); err != nil {
		m.forget(c.id)
		return nil, errors.Join(ErrUnreachable, err)
	}

	select {
	case err := <-result:
		if err != nil {
			m.forget(c.id)
			return nil, err
		}
		m.logger.Debug().Str("remote", remote).Str("conn", c.id).Msg("connection opened")
		return c, nil
	case <-ctx.Done():
		m.forget(c.id)
		_ = m.send(model.AnnouncementTypeClose, remote, Frame{Conn: c.id})
		return nil, ctx.Err()
	}
}

// Deliver processes one inbound announcement.
func (m *Mux) Deliver(ann model.Announcement) {
	if ann.SRC == m.self {
		return
	}
	switch ann.Type {
	case model.AnnouncementTypeJoined:
		return
	case model.AnnouncementTypeLeft:
		m.peerGone(ann.SRC)
		return
	}

	var f Frame
	if err := json.Unmarshal(ann.Payload, &f); err != nil || f.Conn == "" {
		m.logger.Error().Str("src", ann.SRC).Str("type", ann.Type).Msg("announcement without connection frame")
		return
	}

	switch ann.Type {
	case model.AnnouncementTypeOpen:
		m.handleOpen(ann.SRC, f.Conn)
	case model.AnnouncementTypeOpenAck:
		m.resolve(f.Conn, nil)
	case model.AnnouncementTypeUnreachable:
		if !m.resolve(f.Conn, ErrUnreachable) {
			if c := m.lookup(f.Conn, ""); c != nil {
				c.closeLocal()
			}
		}
	case model.AnnouncementTypeData:
		if c := m.lookup(f.Conn, ann.SRC); c != nil {
			c.deliver(f.Data)
		}
	case model.AnnouncementTypeClose:
		if c := m.lookup(f.Conn, ann.SRC); c != nil {
			c.closeLocal()
		}
	default:
		m.logger.Debug().Str("src", ann.SRC).Str("type", ann.Type).Msg("unknown announcement type")
	}
}

// Close notifies remotes and closes every connection.
func (m *Mux) Close() {
	for _, c := range m.shutdown() {
		_ = c.Close()
	}
}

// Drop closes every connection without telling remotes. Mediums call it when
// the medium itself is gone.
func (m *Mux) Drop() {
	for _, c := range m.shutdown() {
		c.closeLocal()
	}
}

func (m *Mux) shutdown() []*conn {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.closed = true
	for id, ch := range m.pending {
		ch <- ErrClosed
		delete(m.pending, id)
	}
	out := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Mux) handleOpen(remote, id string) {
	m.mx.Lock()
	accept := m.accept
	if accept == nil || m.closed {
		m.mx.Unlock()
		_ = m.send(model.AnnouncementTypeUnreachable, remote, Frame{Conn: id})
		return
	}
	c := newConn(m, id, remote)
	m.conns[id] = c
	m.mx.Unlock()

	if err := m.send(model.AnnouncementTypeOpenAck, remote, Frame{Conn: id}); err != nil {
		m.logger.Error().Err(err).Str("remote", remote).Msg("failed to acknowledge connection")
		m.forget(id)
		return
	}
	m.logger.Debug().Str("remote", remote).Str("conn", id).Msg("connection accepted")
	accept(c)
}

func (m *Mux) resolve(id string, err error) bool {
	m.mx.Lock()
	ch, ok := m.pending[id]
	delete(m.pending, id)
	m.mx.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (m *Mux) peerGone(remote string) {
	m.mx.Lock()
	var gone []*conn
	for id, c := range m.conns {
		if c.remote != remote {
			continue
		}
		if ch, ok := m.pending[id]; ok {
			ch <- ErrUnreachable
			delete(m.pending, id)
			continue
		}
		gone = append(gone, c)
	}
	m.mx.Unlock()

	for _, c := range gone {
		c.closeLocal()
	}
}

func (m *Mux) lookup(id, remote string) *conn {
	m.mx.Lock()
	defer m.mx.Unlock()
	c, ok := m.conns[id]
	if !ok || (remote != "" && c.remote != remote) {
		return nil
	}
	if _, opening := m.pending[id]; opening {
		return nil
	}
	return c
}

func (m *Mux) forget(id string) {
	m.mx.Lock()
	delete(m.conns, id)
	delete(m.pending, id)
	m.mx.Unlock()
}

func (m *Mux) send(typ, dst string, f Frame) error {
	payload, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	return m.uplink(model.Announcement{
		DST:     dst,
		SRC:     m.self,
		Type:    typ,
		Payload: payload,
	})
}

type conn struct {
	mux    *Mux
	id     string
	remote string

	dmx     sync.Mutex // serializes handler calls
	mx      sync.Mutex
	onMsg   func([]byte)
	backlog [][]byte
	onClose []func()
	closed  bool
}

func newConn(m *Mux, id, remote string) *conn {
	return &conn{mux: m, id: id, remote: remote}
}

func (c *conn) RemoteAddress() string {
	return c.remote
}

func (c *conn) Send(b []byte) error {
	c.mx.Lock()
	closed := c.closed
	c.mx.Unlock()
	if closed {
		return ErrClosed
	}
	return c.mux.send(model.AnnouncementTypeData, c.remote, Frame{Conn: c.id, Data: b})
}

func (c *conn) OnMessage(fn func([]byte)) {
	c.dmx.Lock()
	defer c.dmx.Unlock()

	c.mx.Lock()
	c.onMsg = fn
	backlog := c.backlog
	c.backlog = nil
	c.mx.Unlock()

	for _, b := range backlog {
		fn(b)
	}
}

func (c *conn) OnClose(fn func()) {
	c.mx.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	fn()
}

func (c *conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	err := c.mux.send(model.AnnouncementTypeClose, c.remote, Frame{Conn: c.id})
	c.finish()
	return err
}

func (c *conn) closeLocal() {
	if c.markClosed() {
		c.finish()
	}
}

func (c *conn) markClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *conn) finish() {
	c.mux.forget(c.id)

	c.mx.Lock()
	handlers := c.onClose
	c.onClose = nil
	c.mx.Unlock()

	c.mux.logger.Debug().Str("remote", c.remote).Str("conn", c.id).Msg("connection closed")
	for _, fn := range handlers {
		fn()
	}
}

func (c *conn) deliver(b []byte) {
	c.dmx.Lock()
	defer c.dmx.Unlock()

	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return
	}
	fn := c.onMsg
	if fn == nil {
		c.backlog = append(c.backlog, b)
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	fn(b)
}
