package session

import (
	"context"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/playback"
	"github.com/adwski/watchparty/backend/protocol"
)

// acquireCamera gets the local camera in the background. Signaling and
// playback never wait for it.
func (s *Session) acquireCamera() {
	go func() {
		stream, err := media.AcquireOrDummy(s.ctx, s.cfg.Camera, s.cfg.Dummy)
		if stream != nil {
			context.AfterFunc(s.ctx, stream.Stop)
		}
		s.post(func() { s.cameraReady(stream, err) })
	}()
}

func (s *Session) cameraReady(stream *media.Stream, err error) {
	if s.ended {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil && !s.mediaNoticed {
		s.mediaNoticed = true
		text := media.Reason(err)
		if stream != nil {
			text += ", sending a placeholder"
		}
		s.notice(Notice{Kind: NoticeMedia, Text: text})
	}
	if stream == nil {
		return
	}
	s.camera = stream
	s.logger.Debug().Str("kind", string(stream.Kind)).Msg("local camera ready")

	for _, p := range s.sortedPeers() {
		if (p.outbound && !s.media.Has(p.addr, media.TagCamera)) || p.recvOnly {
			p.recvOnly = false
			s.callCamera(p)
		}
	}
}

// signalMedia is called by the media manager from any goroutine.
func (s *Session) signalMedia(addr string, msg protocol.Message) error {
	if !s.post(func() {
		if p, ok := s.peers[addr]; ok {
			_ = s.sendMessage(p, msg)
		}
	}) {
		return ErrLeft
	}
	return nil
}

// answerMedia runs on the loop, inside HandleSignal.
func (s *Session) answerMedia(addr, tag string) *media.Stream {
	if tag != media.TagCamera {
		return nil
	}
	if s.camera == nil {
		if p, ok := s.peers[addr]; ok {
			p.recvOnly = true
		}
		return nil
	}
	return s.camera
}

func (s *Session) remoteStream(addr, tag string, track *webrtc.TrackRemote) {
	go media.Drain(track, nil)
	s.post(func() {
		if p, ok := s.peers[addr]; ok {
			p.streams[tag] = struct{}{}
		}
	})
}

func (s *Session) remoteStreamEnded(addr, tag string) {
	s.post(func() {
		if p, ok := s.peers[addr]; ok {
			delete(p.streams, tag)
		}
	})
}

// loadSource validates and captures before touching the machine, so a bad
// source leaves the current state as it was.
func (s *Session) loadSource(mode playback.SourceMode, ref string) error {
	ref = strings.TrimSpace(ref)
	if err := playback.ValidateSource(mode, ref); err != nil {
		return err
	}

	var content *media.Stream
	if mode.Captured() {
		c, err := s.capturer.Capture(s.ctx, mode, ref, s.position)
		if err != nil {
			return err
		}
		content = c
	}
	if err := s.machine.Load(mode, ref); err != nil {
		if content != nil {
			content.Stop()
		}
		return err
	}
	s.replaceContent(content)
	return nil
}

// replaceContent hangs up the previous content calls and offers next to
// every viewer.
func (s *Session) replaceContent(next *media.Stream) {
	if s.content != nil {
		s.media.HangupTag(media.TagContent)
		s.content.Stop()
	}
	s.content = next
	if next == nil {
		return
	}
	for _, addr := range s.mesh.Peers() {
		s.callContent(addr)
	}
}

func (s *Session) position() float64 {
	pos, err := s.player.Position()
	if err != nil {
		return 0
	}
	return pos
}
