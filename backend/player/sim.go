// Package player provides a clock-driven player that satisfies
// playback.Player. It stands in for an embedded video backend: it tracks
// what is loaded, whether it runs, and where it is.
package player

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/playback"
)

var ErrNotLoaded = errors.New("nothing loaded")

type Option func(*Sim)

// WithDuration makes the player report Ended once the position reaches d
// seconds. Zero means unbounded.
func WithDuration(d float64) Option {
	return func(s *Sim) { s.duration = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sim) { s.now = now }
}

type Sim struct {
	now      func() time.Time
	duration float64

	mu        sync.Mutex
	ref       string
	playing   bool
	ended     bool
	base      float64
	startedAt time.Time
	endTimer  *time.Timer
	onChange  func(playback.PlayerState)
}

func New(opts ...Option) *Sim {
	s := &Sim{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnStateChange registers the callback fired for changes the player makes on
// its own: native controls and reaching the end. Changes requested through
// Load/Play/Pause/Seek are not reported.
func (s *Sim) OnStateChange(fn func(playback.PlayerState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Sim) Load(ref string) error {
	if ref == "" {
		return ErrNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	s.ref = ref
	s.playing = false
	s.ended = false
	s.base = 0
	return nil
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playLocked()
}

func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseLocked()
}

func (s *Sim) Seek(seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ref == "" {
		return ErrNotLoaded
	}
	if seconds < 0 {
		seconds = 0
	}
	if s.duration > 0 && seconds > s.duration {
		seconds = s.duration
	}
	s.base = seconds
	s.ended = false
	if s.playing {
		s.startedAt = s.now()
		s.armLocked()
	}
	return nil
}

func (s *Sim) Position() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ref == "" {
		return 0, ErrNotLoaded
	}
	return s.positionLocked(), nil
}

func (s *Sim) State() playback.PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.ended:
		return playback.PlayerEnded
	case s.playing:
		return playback.PlayerPlaying
	default:
		return playback.PlayerPaused
	}
}

// NativePlay and NativePause act like the player's own controls: the state
// changes and the registered callback is told about it.
func (s *Sim) NativePlay() {
	s.mu.Lock()
	err := s.playLocked()
	fn := s.onChange
	s.mu.Unlock()
	if err == nil && fn != nil {
		fn(playback.PlayerPlaying)
	}
}

func (s *Sim) NativePause() {
	s.mu.Lock()
	err := s.pauseLocked()
	fn := s.onChange
	s.mu.Unlock()
	if err == nil && fn != nil {
		fn(playback.PlayerPaused)
	}
}

// Close releases the end-of-media timer.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.playing = false
}

func (s *Sim) playLocked() error {
	if s.ref == "" {
		return ErrNotLoaded
	}
	if s.ended {
		s.base = 0
		s.ended = false
	}
	if !s.playing {
		s.playing = true
		s.startedAt = s.now()
		s.armLocked()
	}
	return nil
}

func (s *Sim) pauseLocked() error {
	if s.ref == "" {
		return ErrNotLoaded
	}
	if s.playing {
		s.base = s.positionLocked()
		s.playing = false
		s.disarmLocked()
	}
	return nil
}

func (s *Sim) positionLocked() float64 {
	pos := s.base
	if s.playing {
		pos += s.now().Sub(s.startedAt).Seconds()
	}
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	return pos
}

func (s *Sim) armLocked() {
	s.disarmLocked()
	if s.duration <= 0 {
		return
	}
	remaining := s.duration - s.positionLocked()
	if remaining < 0 {
		remaining = 0
	}
	s.endTimer = time.AfterFunc(time.Duration(remaining*float64(time.Second)), s.reachEnd)
}

func (s *Sim) disarmLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}

func (s *Sim) reachEnd() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.base = s.duration
	s.playing = false
	s.ended = true
	s.endTimer = nil
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(playback.PlayerEnded)
	}
}
