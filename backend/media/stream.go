// Package media sets up live audio and video between peers: the local
// camera (or its dummy stand-in), captured shared content, and the
// WebRTC calls that carry them.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

type Kind string

const (
	KindCamera  Kind = "camera"
	KindDummy   Kind = "dummy"
	KindContent Kind = "content"
)

// Call tags. A pair of peers has at most one call per tag.
const (
	TagCamera  = "camera"
	TagContent = "content"
)

// Stream is a set of local tracks that can be attached to any number of
// calls. Stop ends its producers; it is safe to call more than once.
type Stream struct {
	ID     string
	Kind   Kind
	Tracks []webrtc.TrackLocal

	stop    func()
	once    sync.Once
	stopped chan struct{}
}

func NewStream(id string, kind Kind, tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{
		ID:      id,
		Kind:    kind,
		Tracks:  tracks,
		stop:    stop,
		stopped: make(chan struct{}),
	}
}

func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		close(s.stopped)
	})
}

func (s *Stream) Done() <-chan struct{} {
	return s.stopped
}

func (s *Stream) Stopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}
