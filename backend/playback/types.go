// Package playback holds the host-authoritative model of what is playing.
//
// The host owns a Machine, the only writer of State. Viewers own a Follower
// that mirrors the host by applying received Events to the local player.
package playback

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidSource = errors.New("invalid playback source")
	ErrNoSource      = errors.New("no source loaded")
)

type SourceMode string

const (
	SourceNone     SourceMode = ""
	SourceEmbedded SourceMode = "embedded"
	SourceFile     SourceMode = "file"
	SourceScreen   SourceMode = "screen"
)

// Captured reports whether the source is rendered locally by the host and
// has to be distributed to viewers as a media stream.
func (m SourceMode) Captured() bool {
	return m == SourceFile || m == SourceScreen
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoaded  Status = "loaded"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
)

// PlayerState is what the player collaborator reports about itself.
type PlayerState string

const (
	PlayerPlaying   PlayerState = "playing"
	PlayerPaused    PlayerState = "paused"
	PlayerBuffering PlayerState = "buffering"
	PlayerEnded     PlayerState = "ended"
)

// Player is the opaque local player. Implementations report state changes
// they make on their own (native controls, reaching the end) through a
// callback wired to Machine.HandlePlayerState.
type Player interface {
	Load(ref string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	Position() (float64, error)
	State() PlayerState
}

// State is the playback state. SourceRef is non-empty whenever SourceMode
// is not SourceNone.
type State struct {
	SourceMode      SourceMode `json:"source_mode"`
	SourceRef       string     `json:"source_ref"`
	Status          Status     `json:"status"`
	IsPlaying       bool       `json:"is_playing"`
	PositionSeconds float64    `json:"position"`
	LastSyncedAt    time.Time  `json:"last_synced_at"`
}

func idleState() State {
	return State{Status: StatusIdle}
}

type EventKind string

const (
	EventURL        EventKind = "url"
	EventPlay       EventKind = "play"
	EventPause      EventKind = "pause"
	EventSeek       EventKind = "seek"
	EventTimeUpdate EventKind = "time-update"
	EventEnded      EventKind = "ended"
)

// Event is a sync event sent from the host to viewers.
type Event struct {
	Kind EventKind  `json:"kind"`
	Ref  string     `json:"ref,omitempty"`
	Mode SourceMode `json:"mode,omitempty"`
	Time float64    `json:"time,omitempty"`
}

func URL(ref string, mode SourceMode) Event { return Event{Kind: EventURL, Ref: ref, Mode: mode} }
func Play() Event                            { return Event{Kind: EventPlay} }
func Pause() Event                           { return Event{Kind: EventPause} }
func Seek(t float64) Event                   { return Event{Kind: EventSeek, Time: t} }
func TimeUpdate(t float64) Event             { return Event{Kind: EventTimeUpdate, Time: t} }
func Ended() Event                           { return Event{Kind: EventEnded} }

func (e Event) String() string {
	switch e.Kind {
	case EventURL:
		return fmt.Sprintf("url(%s, %s)", e.Mode, e.Ref)
	case EventSeek, EventTimeUpdate:
		return fmt.Sprintf("%s(%.2f)", e.Kind, e.Time)
	default:
		return string(e.Kind)
	}
}

// Broadcaster fans sync events out to viewers.
type Broadcaster interface {
	Broadcast(Event)
}

type BroadcastFunc func(Event)

func (f BroadcastFunc) Broadcast(ev Event) { f(ev) }

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)

// ValidateSource checks that ref can be loaded in the given mode. Embedded
// sources are absolute http(s) URLs or bare video ids.
func ValidateSource(mode SourceMode, ref string) error {
	ref = strings.TrimSpace(ref)
	switch mode {
	case SourceEmbedded:
		if videoIDRe.MatchString(ref) {
			return nil
		}
		u, err := url.Parse(ref)
		if err != nil {
			return errors.Join(ErrInvalidSource, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q is not an http(s) url or video id", ErrInvalidSource, ref)
		}
		return nil
	case SourceFile, SourceScreen:
		if ref == "" {
			return fmt.Errorf("%w: empty %s reference", ErrInvalidSource, mode)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSource, mode)
	}
}

// Config is shared by Machine and Follower. Broadcaster is only used by the
// Machine.
type Config struct {
	Player      Player
	Broadcaster Broadcaster
	Logger      *zerolog.Logger

	// DriftInterval is how often the host broadcasts its position while playing.
	DriftInterval time.Duration
	// PollInterval is how often the host compares the player's own state with
	// what it believes.
	PollInterval time.Duration
	// DriftThreshold is the distance in seconds above which a viewer seeks.
	DriftThreshold float64
}

const (
	DefaultDriftInterval  = 2 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultDriftThreshold = 1.5
)

func (c Config) withDefaults() Config {
	if c.DriftInterval <= 0 {
		c.DriftInterval = DefaultDriftInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.Broadcaster == nil {
		c.Broadcaster = BroadcastFunc(func(Event) {})
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
