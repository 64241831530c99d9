package playback

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnknownEvent = errors.New("unknown sync event")

// Follower mirrors the host on a viewer. Its shadow state changes only by
// applying events received from the host.
type Follower struct {
	cfg    Config
	player Player
	logger zerolog.Logger

	mu     sync.Mutex
	shadow State
}

func NewFollower(cfg Config) *Follower {
	cfg = cfg.withDefaults()
	return &Follower{
		cfg:    cfg,
		player: cfg.Player,
		logger: cfg.Logger.With().Str("component", "follower").Logger(),
		shadow: idleState(),
	}
}

func (f *Follower) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shadow
}

// Apply drives the local player with a host event. Events other than URL
// that arrive before any source is loaded are dropped with ErrNoSource.
// Seek and TimeUpdate never change play/pause.
func (f *Follower) Apply(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Kind != EventURL && f.shadow.SourceMode == SourceNone {
		f.logger.Debug().Str("event", ev.String()).Msg("dropping sync event, no source loaded")
		return ErrNoSource
	}

	var err error
	switch ev.Kind {
	case EventURL:
		err = f.load(ev)
	case EventPlay:
		if err = f.player.Play(); err == nil {
			f.shadow.IsPlaying = true
			f.shadow.Status = StatusPlaying
		}
	case EventPause:
		if err = f.player.Pause(); err == nil {
			f.shadow.IsPlaying = false
			f.shadow.Status = StatusPaused
			if pos, perr := f.player.Position(); perr == nil {
				f.shadow.PositionSeconds = pos
			}
		}
	case EventSeek:
		if err = f.player.Seek(ev.Time); err == nil {
			f.shadow.PositionSeconds = ev.Time
			if f.shadow.Status == StatusEnded {
				f.shadow.Status = StatusPaused
			}
		}
	case EventTimeUpdate:
		err = f.correctDrift(ev.Time)
	case EventEnded:
		err = f.rewind()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	if err != nil {
		return err
	}
	f.shadow.LastSyncedAt = time.Now()
	return nil
}

// Reset drops the shadow state when the peer leaves the room.
func (f *Follower) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shadow.IsPlaying {
		_ = f.player.Pause()
	}
	f.shadow = idleState()
}

func (f *Follower) load(ev Event) error {
	if err := ValidateSource(ev.Mode, ev.Ref); err != nil {
		return err
	}
	if err := f.player.Load(ev.Ref); err != nil {
		return errors.Join(ErrInvalidSource, err)
	}
	f.shadow = State{
		SourceMode: ev.Mode,
		SourceRef:  ev.Ref,
		Status:     StatusLoaded,
	}
	return nil
}

// correctDrift seeks only when the local position is further than the
// threshold from the host's.
func (f *Follower) correctDrift(hostPos float64) error {
	local, err := f.player.Position()
	if err == nil && math.Abs(local-hostPos) <= f.cfg.DriftThreshold {
		f.shadow.PositionSeconds = local
		return nil
	}
	if err := f.player.Seek(hostPos); err != nil {
		return err
	}
	f.logger.Debug().
		Float64("local", local).
		Float64("host", hostPos).
		Msg("drift above threshold, seeking")
	f.shadow.PositionSeconds = hostPos
	return nil
}

// rewind stops at the start instead of freezing on the last frame.
func (f *Follower) rewind() error {
	if err := f.player.Pause(); err != nil {
		f.logger.Debug().Err(err).Msg("pause on ended failed")
	}
	if err := f.player.Seek(0); err != nil {
		return err
	}
	f.shadow.IsPlaying = false
	f.shadow.Status = StatusEnded
	f.shadow.PositionSeconds = 0
	return nil
}
