package session

import (
	"sort"

	"github.com/adwski/watchparty/backend/chat"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/playback"
)

type NoticeKind string

const (
	NoticeConnection NoticeKind = "connection"
	NoticeMedia      NoticeKind = "media"
	NoticeSource     NoticeKind = "source"
)

// Notice is a user-facing condition. Fatal notices mean the session is over
// and the user is back at the pre-join screen.
type Notice struct {
	Kind  NoticeKind
	Fatal bool
	Text  string
}

// View is a point-in-time copy of everything the UI renders.
type View struct {
	Self         string
	DisplayName  string
	Role         model.Role
	Code         string
	HostAddress  string
	Active       bool
	Playback     playback.State
	Participants []model.Participant
	Chat         []chat.Message
	Calls        []media.CallInfo
	LocalMedia   media.Kind
	Notice       *Notice
}

// Update is sent on every state change. Notice is set when the change is
// a new notice.
type Update struct {
	View   View
	Notice *Notice
}

// Label is how the UI names a participant.
func (v View) Label(addr string) string {
	for _, p := range v.Participants {
		if p.PeerAddress == addr {
			return chat.Label(p.DisplayName, addr)
		}
	}
	return chat.Label("", addr)
}

func (s *Session) snapshot() View {
	v := View{
		Self:        s.self,
		DisplayName: s.name,
		Role:        s.role,
		Code:        s.code,
		HostAddress: s.hostAddr,
		Active:      s.role != "" && !s.ended,
		Chat:        s.chat.Messages(),
		Calls:       s.media.Calls(),
		Notice:      s.lastNotice,
	}
	if s.role == model.RoleHost {
		v.Playback = s.machine.Snapshot()
	} else {
		v.Playback = s.follower.Snapshot()
	}
	if s.camera != nil {
		v.LocalMedia = s.camera.Kind
	}
	for _, p := range s.sortedPeers() {
		part := model.Participant{
			PeerAddress: p.addr,
			DisplayName: p.name,
			Role:        model.RoleViewer,
		}
		if p.addr == s.hostAddr {
			part.Role = model.RoleHost
		}
		for tag := range p.streams {
			part.Streams = append(part.Streams, tag)
		}
		sort.Strings(part.Streams)
		v.Participants = append(v.Participants, part)
	}
	return v
}

// refresh republishes the view. It runs on the loop after every handled event.
func (s *Session) refresh() {
	if s.ended {
		return
	}
	s.publish(Update{View: s.snapshot()})
}

func (s *Session) notice(n Notice) {
	s.lastNotice = &n
	switch {
	case n.Fatal:
		s.logger.Error().Str("kind", string(n.Kind)).Msg(n.Text)
	default:
		s.logger.Warn().Str("kind", string(n.Kind)).Msg(n.Text)
	}
	if !s.ended {
		s.publish(Update{View: s.snapshot(), Notice: &n})
	}
}

func (s *Session) publish(u Update) {
	s.viewMx.Lock()
	s.view = u.View
	s.viewMx.Unlock()

	// the oldest pending update gives way when the consumer lags
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
