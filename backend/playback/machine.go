package playback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("playback machine stopped")

// Machine is the host side state machine. Host commands and player callbacks
// go through the same transitions and produce the same outbound events.
//
// Events are handed to the Broadcaster after the internal lock is released,
// so a Broadcaster may call Snapshot.
type Machine struct {
	cfg    Config
	player Player
	out    Broadcaster
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	stopped    bool
	stopTimers context.CancelFunc
}

func NewMachine(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:    cfg,
		player: cfg.Player,
		out:    cfg.Broadcaster,
		logger: cfg.Logger.With().Str("component", "playback").Logger(),
		state:  idleState(),
	}
}

// Snapshot returns the current state. Asynchronous handlers must call this at
// handling time instead of capturing state when they are registered.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load selects a new source. On error the state is left untouched.
func (m *Machine) Load(mode SourceMode, ref string) error {
	ref = strings.TrimSpace(ref)
	if err := ValidateSource(mode, ref); err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if err := m.player.Load(ref); err != nil {
		m.mu.Unlock()
		return errors.Join(ErrInvalidSource, err)
	}
	m.stopTimersLocked()
	m.state = State{
		SourceMode:   mode,
		SourceRef:    ref,
		Status:       StatusLoaded,
		LastSyncedAt: time.Now(),
	}
	m.mu.Unlock()

	m.emit(URL(ref, mode))
	return nil
}

func (m *Machine) Play() error {
	m.mu.Lock()
	if err := m.checkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	var evs []Event
	if m.state.Status == StatusEnded {
		if err := m.player.Seek(0); err != nil {
			m.mu.Unlock()
			return err
		}
		m.state.PositionSeconds = 0
		evs = append(evs, Seek(0))
	}
	if err := m.player.Play(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.markPlayingLocked()
	evs = append(evs, Play())
	m.mu.Unlock()

	m.emit(evs...)
	return nil
}

func (m *Machine) Pause() error {
	m.mu.Lock()
	if err := m.checkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.player.Pause(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.markPausedLocked()
	m.mu.Unlock()

	m.emit(Pause())
	return nil
}

func (m *Machine) Seek(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}

	m.mu.Lock()
	if err := m.checkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.player.Seek(seconds); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state.PositionSeconds = seconds
	m.state.LastSyncedAt = time.Now()
	if m.state.Status == StatusEnded {
		m.state.Status = StatusPaused
	}
	m.mu.Unlock()

	m.emit(Seek(seconds))
	return nil
}

// HandlePlayerState is the player's state-change callback. It only emits an
// event when the reported state differs from the current belief.
func (m *Machine) HandlePlayerState(ps PlayerState) {
	m.mu.Lock()
	if m.stopped || m.state.SourceMode == SourceNone {
		m.mu.Unlock()
		return
	}

	var evs []Event
	switch ps {
	case PlayerPlaying:
		if !m.state.IsPlaying {
			m.markPlayingLocked()
			evs = append(evs, Play())
		}
	case PlayerPaused:
		if m.state.IsPlaying {
			m.markPausedLocked()
			evs = append(evs, Pause())
		}
	case PlayerEnded:
		if m.state.Status != StatusEnded {
			m.markEndedLocked()
			evs = append(evs, Ended())
		}
	case PlayerBuffering:
	}
	m.mu.Unlock()

	m.emit(evs...)
}

// JoinSequence is the ordered state push for a late joiner: the source, then
// play if playing, then the position if the player can report it.
func (m *Machine) JoinSequence() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.SourceMode == SourceNone {
		return nil
	}
	evs := []Event{URL(m.state.SourceRef, m.state.SourceMode)}
	if m.state.Status == StatusEnded {
		return evs
	}
	if m.state.IsPlaying {
		evs = append(evs, Play())
	}
	if pos, err := m.player.Position(); err == nil {
		evs = append(evs, Seek(pos))
	}
	return evs
}

// Clear returns the machine to Idle without notifying viewers.
func (m *Machine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimersLocked()
	if m.state.IsPlaying {
		if err := m.player.Pause(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to pause player while clearing source")
		}
	}
	m.state = idleState()
}

// Stop cancels the timers for good. It is called on role loss and room exit.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.stopTimersLocked()
}

func (m *Machine) checkLocked() error {
	if m.stopped {
		return ErrStopped
	}
	if m.state.SourceMode == SourceNone {
		return ErrNoSource
	}
	return nil
}

func (m *Machine) markPlayingLocked() {
	m.state.IsPlaying = true
	m.state.Status = StatusPlaying
	m.startTimersLocked()
}

func (m *Machine) markPausedLocked() {
	m.stopTimersLocked()
	m.state.IsPlaying = false
	m.state.Status = StatusPaused
	if pos, err := m.player.Position(); err == nil {
		m.state.PositionSeconds = pos
	}
}

func (m *Machine) markEndedLocked() {
	m.stopTimersLocked()
	m.state.IsPlaying = false
	m.state.Status = StatusEnded
}

func (m *Machine) startTimersLocked() {
	if m.stopTimers != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopTimers = cancel
	go m.tick(ctx, m.cfg.DriftInterval, m.broadcastPosition)
	go m.tick(ctx, m.cfg.PollInterval, m.pollPlayer)
}

func (m *Machine) stopTimersLocked() {
	if m.stopTimers != nil {
		m.stopTimers()
		m.stopTimers = nil
	}
}

func (m *Machine) tick(ctx context.Context, every time.Duration, fn func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// broadcastPosition is the drift broadcaster.
func (m *Machine) broadcastPosition(ctx context.Context) {
	m.mu.Lock()
	if ctx.Err() != nil || !m.state.IsPlaying {
		m.mu.Unlock()
		return
	}
	pos, err := m.player.Position()
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug().Err(err).Msg("position is not available")
		return
	}
	m.state.PositionSeconds = pos
	m.state.LastSyncedAt = time.Now()
	m.mu.Unlock()

	m.emit(TimeUpdate(pos))
}

// pollPlayer trusts the player over the cached flag.
func (m *Machine) pollPlayer(ctx context.Context) {
	m.mu.Lock()
	if ctx.Err() != nil || !m.state.IsPlaying {
		m.mu.Unlock()
		return
	}

	var evs []Event
	switch ps := m.player.State(); ps {
	case PlayerPaused:
		m.markPausedLocked()
		evs = append(evs, Pause())
	case PlayerEnded:
		m.markEndedLocked()
		evs = append(evs, Ended())
	}
	m.mu.Unlock()

	if len(evs) > 0 {
		m.logger.Debug().Str("event", evs[0].String()).Msg("player state disagreed with host belief, corrected")
	}
	m.emit(evs...)
}

func (m *Machine) emit(evs ...Event) {
	for _, ev := range evs {
		if ev.Kind != EventTimeUpdate {
			m.logger.Debug().Str("event", ev.String()).Msg("broadcasting sync event")
		}
		m.out.Broadcast(ev)
	}
}
