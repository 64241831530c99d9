// Package session runs one peer's participation in a watch party room.
//
// A Session is single-threaded: transport callbacks, media callbacks, timer
// ticks and user commands are all posted to one queue and handled in order.
// Public methods may be called from any goroutine but never from an Updates
// consumer that blocks the session, and a Session is used for one room only.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/chat"
	"github.com/adwski/watchparty/backend/directory"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/mesh"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/playback"
	"github.com/adwski/watchparty/backend/player"
	"github.com/adwski/watchparty/backend/transport"
)

const (
	DefaultJoinTimeout  = 8 * time.Second
	DefaultCodeAttempts = 5

	unregisterTimeout = 2 * time.Second
	updatesBuffer     = 64
)

var (
	ErrHostUnreachable = errors.New("host unreachable")
	ErrHostLost        = errors.New("connection to the host is lost")
	ErrNotHost         = errors.New("only the host controls playback")
	ErrNotJoined       = errors.New("not in a room")
	ErrLeft            = errors.New("session is over")
	ErrStarted         = errors.New("session already started")
	ErrNoTransport     = errors.New("transport is not configured")
	ErrEmptyMessage    = chat.ErrEmptyMessage
)

type Config struct {
	Logger    *zerolog.Logger
	Transport transport.Transport
	// Directory defaults to the derived fallback.
	Directory directory.Directory
	// Player defaults to a simulated player.
	Player playback.Player
	// Camera is the local camera and microphone. Nil means none, a dummy
	// stream is used instead.
	Camera media.Source
	Dummy  media.DummyConfig
	// Capturer turns file and screen sources into streams.
	Capturer   media.Capturer
	ICEServers []string

	DisplayName string
	// Address is this peer's transport address. Hosts may get a derived one.
	Address string

	JoinTimeout  time.Duration
	CodeAttempts int

	DriftInterval  time.Duration
	PollInterval   time.Duration
	DriftThreshold float64
}

type peer struct {
	conn     transport.Conn
	addr     string
	name     string
	outbound bool
	// recvOnly is set when a camera call from this peer was answered before
	// the local camera was ready.
	recvOnly bool
	streams  map[string]struct{}
}

type Session struct {
	cfg      Config
	logger   zerolog.Logger
	tr       transport.Transport
	dir      directory.Directory
	player   playback.Player
	machine  *playback.Machine
	follower *playback.Follower
	media    *media.Manager
	capturer media.Capturer

	q       *queue
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	updates chan Update
	done    chan struct{}

	viewMx sync.RWMutex
	view   View
	err    error

	// owned by the queue
	self         string
	name         string
	code         string
	hostAddr     string
	role         model.Role
	registered   bool
	ended        bool
	peers        map[string]*peer
	dialing      map[string]struct{}
	mesh         *mesh.Coordinator
	chat         *chat.Log
	camera       *media.Stream
	content      *media.Stream
	mediaNoticed bool
	lastNotice   *Notice
}

func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.Derived{}
	}
	if cfg.Player == nil {
		cfg.Player = player.New()
	}
	if cfg.Capturer == nil {
		cfg.Capturer = media.NewCapturer(media.CaptureConfig{Logger: cfg.Logger})
	}
	if cfg.Address == "" {
		cfg.Address = uuid.NewString()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "guest"
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = DefaultCodeAttempts
	}

	s := &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "session").Str("self", cfg.Address).Logger(),
		tr:       cfg.Transport,
		dir:      cfg.Directory,
		player:   cfg.Player,
		capturer: cfg.Capturer,
		q:        newQueue(),
		updates:  make(chan Update, updatesBuffer),
		done:     make(chan struct{}),
		self:     cfg.Address,
		name:     cfg.DisplayName,
		peers:    make(map[string]*peer),
		dialing:  make(map[string]struct{}),
		mesh:     mesh.NewCoordinator(),
		chat:     chat.NewLog(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	pbCfg := playback.Config{
		Player:         cfg.Player,
		Logger:         cfg.Logger,
		DriftInterval:  cfg.DriftInterval,
		PollInterval:   cfg.PollInterval,
		DriftThreshold: cfg.DriftThreshold,
		Broadcaster: playback.BroadcastFunc(func(ev playback.Event) {
			s.post(func() { s.broadcastSync(ev) })
		}),
	}
	s.machine = playback.NewMachine(pbCfg)
	s.follower = playback.NewFollower(pbCfg)

	var err error
	s.media, err = media.NewManager(media.Config{
		Logger:     cfg.Logger,
		Signal:     s.signalMedia,
		Answer:     s.answerMedia,
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		s.cancel()
		s.q.stop()
		return nil, err
	}
	s.media.OnStream(s.remoteStream)
	s.media.OnEnded(s.remoteStreamEnded)

	s.view = s.snapshot()
	return s, nil
}

// Updates delivers view changes. It is closed when the session ends. Slow
// consumers lose the oldest updates.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Done is closed when the session ends, by Leave or by losing the host.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is why the session ended. It is nil while running and after Leave.
func (s *Session) Err() error {
	s.viewMx.RLock()
	defer s.viewMx.RUnlock()
	return s.err
}

func (s *Session) View() View {
	s.viewMx.RLock()
	defer s.viewMx.RUnlock()
	return s.view
}

func (s *Session) LoadSource(mode playback.SourceMode, ref string) error {
	return s.do(func() error {
		if s.role != model.RoleHost {
			return ErrNotHost
		}
		if err := s.loadSource(mode, ref); err != nil {
			s.notice(Notice{Kind: NoticeSource, Text: err.Error()})
			return err
		}
		return nil
	})
}

func (s *Session) Play() error {
	return s.hostDo(s.machine.Play)
}

func (s *Session) Pause() error {
	return s.hostDo(s.machine.Pause)
}

func (s *Session) Seek(seconds float64) error {
	return s.hostDo(func() error { return s.machine.Seek(seconds) })
}

// HandlePlayerState is the local player's state-change callback. Viewers'
// native player changes are ignored.
func (s *Session) HandlePlayerState(ps playback.PlayerState) {
	s.post(func() {
		if s.role == model.RoleHost && !s.ended {
			s.machine.HandlePlayerState(ps)
		}
	})
}

// SendChat appends text locally and sends it to every open connection.
// Delivery is at most once.
func (s *Session) SendChat(text string) error {
	return s.do(func() error {
		if s.role == "" {
			return ErrNotJoined
		}
		msg, err := s.chat.Append(s.self, s.name, text)
		if err != nil {
			return err
		}
		s.relayChat(msg.Text)
		return nil
	})
}

// Leave ends the session. It is safe to call more than once.
func (s *Session) Leave() {
	_ = s.do(func() error {
		s.end(nil)
		return nil
	})
	<-s.done
}

func (s *Session) hostDo(fn func() error) error {
	return s.do(func() error {
		if s.role != model.RoleHost {
			return ErrNotHost
		}
		return fn()
	})
}

// post schedules fn on the loop and republishes the view after it.
func (s *Session) post(fn func()) bool {
	return s.q.post(func() {
		fn()
		s.refresh()
	})
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	res := make(chan error, 1)
	if !s.post(func() { res <- fn() }) {
		return ErrLeft
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrLeft
		}
	}
}

func (s *Session) start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	return nil
}

// fail ends the session with a fatal connection notice.
func (s *Session) fail(err error, text string) error {
	_ = s.do(func() error {
		s.notice(Notice{Kind: NoticeConnection, Fatal: true, Text: text})
		s.end(err)
		return nil
	})
	return err
}

// end is the hard cancellation point of a session.
func (s *Session) end(cause error) {
	if s.ended {
		return
	}
	s.ended = true
	s.logger.Debug().AnErr("cause", cause).Msg("ending session")

	for _, p := range s.sortedPeers() {
		_ = s.sendMessage(p, leaveMessage)
	}
	s.media.Close()
	for _, p := range s.sortedPeers() {
		_ = p.conn.Close()
	}
	if err := s.tr.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close failed")
	}

	s.machine.Clear()
	s.machine.Stop()
	s.follower.Reset()
	if s.camera != nil {
		s.camera.Stop()
	}
	if s.content != nil {
		s.content.Stop()
	}

	if s.registered {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		if err := s.dir.Unregister(ctx, s.code, s.self); err != nil {
			s.logger.Debug().Err(err).Msg("failed to unregister room")
		}
		cancel()
		s.registered = false
	}

	s.peers = make(map[string]*peer)
	s.dialing = make(map[string]struct{})
	s.mesh.Clear()
	s.chat = chat.NewLog()

	final := s.snapshot()
	s.viewMx.Lock()
	s.view = final
	s.err = cause
	s.viewMx.Unlock()
	s.publishFinal(final)

	s.cancel()
	s.q.stop()
	close(s.done)
}

func (s *Session) publishFinal(v View) {
	select {
	case s.updates <- Update{View: v}:
	default:
	}
	close(s.updates)
}
