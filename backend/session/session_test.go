package session

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/directory"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/playback"
	"github.com/adwski/watchparty/backend/player"
	"github.com/adwski/watchparty/backend/protocol"
	"github.com/adwski/watchparty/backend/roomcode"
	"github.com/adwski/watchparty/backend/transport"
	"github.com/adwski/watchparty/backend/transport/memory"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newSession(t *testing.T, net *memory.Network, name string, mods ...func(*Config)) (*Session, *player.Sim) {
	t.Helper()
	cfg := Config{
		Transport:     net.Transport(),
		DisplayName:   name,
		DriftInterval: 50 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		JoinTimeout:   time.Second,
		Camera: media.SourceFunc(func(context.Context) (*media.Stream, error) {
			return media.NewDummyStream(media.DummyConfig{})
		}),
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	if cfg.Player == nil {
		cfg.Player = player.New()
	}
	sim, ok := cfg.Player.(*player.Sim)
	require.True(t, ok)

	s, err := New(cfg)
	require.NoError(t, err)
	sim.OnStateChange(s.HandlePlayerState)
	t.Cleanup(func() {
		s.Leave()
		sim.Close()
	})
	return s, sim
}

func hostRoom(t *testing.T, net *memory.Network, mods ...func(*Config)) (*Session, *player.Sim, string) {
	t.Helper()
	s, sim := newSession(t, net, "host", mods...)
	code, err := s.Host(context.Background())
	require.NoError(t, err)
	require.True(t, roomcode.Valid(code))
	return s, sim, code
}

func join(t *testing.T, net *memory.Network, name, code string, mods ...func(*Config)) (*Session, *player.Sim) {
	t.Helper()
	s, sim := newSession(t, net, name, mods...)
	require.NoError(t, s.Join(context.Background(), code))
	return s, sim
}

func hasCall(v View, peer, tag string) bool {
	for _, c := range v.Calls {
		if c.Peer == peer && c.Tag == tag {
			return true
		}
	}
	return false
}

func hasParticipant(v View, addr string) bool {
	for _, p := range v.Participants {
		if p.PeerAddress == addr {
			return true
		}
	}
	return false
}

func chatHas(v View, substr string) bool {
	for _, m := range v.Chat {
		if strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

func TestLateJoinersConverge(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, hostPlayer, code := hostRoom(t, net)
	require.NoError(t, host.LoadSource(playback.SourceEmbedded, "movie-A"))

	early, _ := join(t, net, "early", strings.ToLower(strings.ReplaceAll(code, "-", " ")))
	require.Eventually(t, func() bool {
		return early.View().Playback.SourceRef == "movie-A"
	}, waitFor, tick)
	assert.False(t, early.View().Playback.IsPlaying)

	require.NoError(t, host.Play())
	require.NoError(t, host.Seek(30))

	late, latePlayer := join(t, net, "late", code)

	for _, v := range []*Session{early, late} {
		require.Eventually(t, func() bool {
			st := v.View().Playback
			return st.SourceRef == "movie-A" && st.SourceMode == playback.SourceEmbedded && st.IsPlaying
		}, waitFor, tick)
	}
	hostPos, err := hostPlayer.Position()
	require.NoError(t, err)
	latePos, err := latePlayer.Position()
	require.NoError(t, err)
	assert.InDelta(t, hostPos, latePos, playback.DefaultDriftThreshold)

	require.NoError(t, host.Pause())
	for _, v := range []*Session{early, late} {
		require.Eventually(t, func() bool {
			st := v.View().Playback
			return !st.IsPlaying && st.Status == playback.StatusPaused
		}, waitFor, tick)
	}
	assert.Equal(t, playback.PlayerPaused, latePlayer.State())
}

func TestHostEndedRewindsViewers(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net, func(c *Config) {
		c.Player = player.New(player.WithDuration(0.3))
	})
	viewer, viewerPlayer := join(t, net, "viewer", code)

	require.NoError(t, host.LoadSource(playback.SourceEmbedded, "https://videos.example.com/clip"))
	require.NoError(t, host.Play())

	require.Eventually(t, func() bool {
		return host.View().Playback.Status == playback.StatusEnded
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		st := viewer.View().Playback
		return st.Status == playback.StatusEnded && !st.IsPlaying && st.PositionSeconds == 0
	}, waitFor, tick)
	pos, err := viewerPlayer.Position()
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestSyncFromNonHostIsIgnored(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	viewer, _ := join(t, net, "viewer", code)
	require.NoError(t, host.LoadSource(playback.SourceEmbedded, "movie-A"))
	require.NoError(t, host.Play())
	require.Eventually(t, func() bool { return viewer.View().Playback.IsPlaying }, waitFor, tick)

	rogue := net.Transport()
	require.NoError(t, rogue.Listen(context.Background(), code, "rogue", func(transport.Conn) {}))
	defer func() { _ = rogue.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := rogue.Open(ctx, viewer.View().Self)
	require.NoError(t, err)

	for _, msg := range []protocol.Message{
		protocol.Sync(playback.Pause()),
		protocol.PeerList([]string{"nobody"}),
		protocol.Chat("still playing?"),
	} {
		b, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, c.Send(b))
	}

	require.Eventually(t, func() bool { return chatHas(viewer.View(), "still playing?") }, waitFor, tick)
	assert.True(t, viewer.View().Playback.IsPlaying)
	assert.False(t, hasParticipant(viewer.View(), "nobody"))
}

func TestMeshChatAndLeave(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	first, _ := join(t, net, "first", code)

	cam, err := media.NewDummyStream(media.DummyConfig{})
	require.NoError(t, err)
	second, _ := join(t, net, "second", code, func(c *Config) {
		c.Camera = media.SourceFunc(func(context.Context) (*media.Stream, error) { return cam, nil })
	})

	firstAddr, secondAddr := first.View().Self, second.View().Self

	// the newcomer dials the peers the host listed
	require.Eventually(t, func() bool {
		return hasParticipant(first.View(), secondAddr) && hasParticipant(second.View(), firstAddr)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return hasCall(first.View(), secondAddr, media.TagCamera) && hasCall(host.View(), secondAddr, media.TagCamera)
	}, waitFor, tick)

	require.NoError(t, second.SendChat("  hello room  "))
	for _, v := range []*Session{host, first} {
		require.Eventually(t, func() bool {
			for _, m := range v.View().Chat {
				if m.Text == "hello room" && m.SenderDisplayName == "second" && m.Label() == "second" {
					return true
				}
			}
			return false
		}, waitFor, tick)
	}
	assert.ErrorIs(t, second.SendChat("   "), ErrEmptyMessage)

	second.Leave()
	assert.True(t, cam.Stopped())
	assert.NoError(t, second.Err())
	assert.False(t, second.View().Active)

	for _, v := range []*Session{host, first} {
		require.Eventually(t, func() bool {
			view := v.View()
			return !hasParticipant(view, secondAddr) &&
				!hasCall(view, secondAddr, media.TagCamera) &&
				chatHas(view, "second left the room")
		}, waitFor, tick)
	}
	assert.ErrorIs(t, second.SendChat("anyone?"), ErrLeft)
}

func TestDeniedCameraStillParticipates(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	viewer, _ := join(t, net, "viewer", code, func(c *Config) {
		c.Camera = media.Unavailable(media.ErrPermissionDenied)
	})

	require.Eventually(t, func() bool {
		v := viewer.View()
		return v.Notice != nil && v.Notice.Kind == NoticeMedia && v.LocalMedia == media.KindDummy
	}, waitFor, tick)
	n := viewer.View().Notice
	assert.False(t, n.Fatal)
	assert.Contains(t, n.Text, "permission denied")

	viewerAddr := viewer.View().Self
	require.Eventually(t, func() bool {
		return hasCall(host.View(), viewerAddr, media.TagCamera) && hasCall(viewer.View(), host.View().Self, media.TagCamera)
	}, waitFor, tick)

	require.NoError(t, host.SendChat("can you see me?"))
	require.Eventually(t, func() bool { return chatHas(viewer.View(), "can you see me?") }, waitFor, tick)
	assert.True(t, viewer.View().Active)
}

func TestJoinUnreachableHost(t *testing.T) {
	net := memory.NewNetwork(nil)
	viewer, _ := newSession(t, net, "viewer")

	err := viewer.Join(context.Background(), "ABC-123")
	require.ErrorIs(t, err, ErrHostUnreachable)
	select {
	case <-viewer.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	v := viewer.View()
	assert.False(t, v.Active)
	require.NotNil(t, v.Notice)
	assert.True(t, v.Notice.Fatal)
	assert.Equal(t, NoticeConnection, v.Notice.Kind)
}

func TestJoinRejectsMalformedCode(t *testing.T) {
	net := memory.NewNetwork(nil)
	viewer, _ := newSession(t, net, "viewer")

	assert.ErrorIs(t, viewer.Join(context.Background(), "AB-12"), roomcode.ErrInvalidCode)
	assert.ErrorIs(t, viewer.Join(context.Background(), "IOL-123"), roomcode.ErrInvalidCode)
	select {
	case <-viewer.Done():
		t.Fatal("rejected input must not end the session")
	default:
	}
}

type busyDirectory struct {
	mu           sync.Mutex
	taken        int
	registered   []string
	unregistered []string
	left         []string
}

func (d *busyDirectory) Register(_ context.Context, code, hostAddr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.taken > 0 {
		d.taken--
		return directory.ErrCodeTaken
	}
	d.registered = append(d.registered, code+"@"+hostAddr)
	return nil
}

func (d *busyDirectory) Resolve(context.Context, string, string) (string, error) {
	return "", directory.ErrRoomNotFound
}

func (d *busyDirectory) Leave(_ context.Context, code, peer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.left = append(d.left, code+"@"+peer)
	return nil
}

func (d *busyDirectory) Unregister(_ context.Context, code, hostAddr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregistered = append(d.unregistered, code+"@"+hostAddr)
	return nil
}

func TestHostRetriesTakenCodes(t *testing.T) {
	net := memory.NewNetwork(nil)
	dir := &busyDirectory{taken: 2}
	host, _ := newSession(t, net, "host", func(c *Config) {
		c.Directory = dir
		c.Address = "host-peer"
	})

	code, err := host.Host(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{code + "@host-peer"}, dir.registered)
	assert.Equal(t, model.RoleHost, host.View().Role)

	host.Leave()
	assert.Equal(t, []string{code + "@host-peer"}, dir.unregistered)
}

func TestHostGivesUpOnTakenCodes(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _ := newSession(t, net, "host", func(c *Config) {
		c.Directory = &busyDirectory{taken: 100}
	})

	_, err := host.Host(context.Background())
	require.ErrorIs(t, err, directory.ErrCodeTaken)
	<-host.Done()
	assert.True(t, host.View().Notice.Fatal)
}

func TestJoinUnknownRoom(t *testing.T) {
	net := memory.NewNetwork(nil)
	viewer, _ := newSession(t, net, "viewer", func(c *Config) {
		c.Directory = &busyDirectory{}
	})
	err := viewer.Join(context.Background(), "ABC-123")
	require.ErrorIs(t, err, directory.ErrRoomNotFound)
	assert.Contains(t, viewer.View().Notice.Text, "does not exist")
}

// slotDirectory resolves like the derived directory and records released
// slots.
type slotDirectory struct {
	directory.Derived
	mu   sync.Mutex
	left []string
}

func (d *slotDirectory) Leave(_ context.Context, code, peer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.left = append(d.left, code+"@"+peer)
	return nil
}

func TestJoinReleasesSlotWhenListenFails(t *testing.T) {
	net := memory.NewNetwork(nil)
	_, _, code := hostRoom(t, net)
	join(t, net, "first", code, func(c *Config) { c.Address = "viewer-peer" })

	dir := &slotDirectory{}
	second, _ := newSession(t, net, "second", func(c *Config) {
		c.Directory = dir
		c.Address = "viewer-peer"
	})
	err := second.Join(context.Background(), code)
	require.ErrorIs(t, err, memory.ErrAddressInUse)

	dir.mu.Lock()
	defer dir.mu.Unlock()
	assert.Equal(t, []string{code + "@viewer-peer"}, dir.left)
}

func TestHostLeaveEndsViewers(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	viewer, _ := join(t, net, "viewer", code)
	require.Eventually(t, func() bool { return hasParticipant(host.View(), viewer.View().Self) }, waitFor, tick)

	host.Leave()
	select {
	case <-viewer.Done():
	case <-time.After(waitFor):
		t.Fatal("viewer outlived the host")
	}
	assert.ErrorIs(t, viewer.Err(), ErrHostLost)
	assert.True(t, viewer.View().Notice.Fatal)

	// the update stream is closed once the session is over
	for range viewer.Updates() {
	}
}

func TestPlaybackControlIsHostOnly(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	viewer, _ := join(t, net, "viewer", code)

	assert.ErrorIs(t, viewer.Play(), ErrNotHost)
	assert.ErrorIs(t, viewer.LoadSource(playback.SourceEmbedded, "movie-A"), ErrNotHost)
	assert.ErrorIs(t, host.Play(), playback.ErrNoSource)

	err := host.LoadSource(playback.SourceEmbedded, "not a video")
	assert.ErrorIs(t, err, playback.ErrInvalidSource)
	assert.Equal(t, playback.StatusIdle, host.View().Playback.Status)
	assert.Equal(t, NoticeSource, host.View().Notice.Kind)

	err = host.LoadSource(playback.SourceScreen, "display-0")
	assert.ErrorIs(t, err, playback.ErrInvalidSource)
	assert.Equal(t, playback.StatusIdle, host.View().Playback.Status)
}

func TestSharedFileIsStreamedToViewers(t *testing.T) {
	net := memory.NewNetwork(nil)
	host, _, code := hostRoom(t, net)
	early, _ := join(t, net, "early", code)
	hostAddr := host.View().Self

	require.NoError(t, host.LoadSource(playback.SourceFile, writeIVF(t, 30)))
	require.Eventually(t, func() bool { return hasCall(early.View(), hostAddr, media.TagContent) }, waitFor, tick)

	late, _ := join(t, net, "late", code)
	require.Eventually(t, func() bool {
		return hasCall(late.View(), hostAddr, media.TagContent) &&
			late.View().Playback.SourceMode == playback.SourceFile
	}, waitFor, tick)

	require.NoError(t, host.LoadSource(playback.SourceEmbedded, "movie-B"))
	for _, v := range []*Session{early, late} {
		require.Eventually(t, func() bool {
			view := v.View()
			return !hasCall(view, hostAddr, media.TagContent) && view.Playback.SourceRef == "movie-B"
		}, waitFor, tick)
	}
}

func writeIVF(t *testing.T, frames int) string {
	t.Helper()
	buf := make([]byte, 32)
	copy(buf[0:4], "DKIF")
	binary.LittleEndian.PutUint16(buf[6:8], 32)
	copy(buf[8:12], "VP80")
	binary.LittleEndian.PutUint16(buf[12:14], 64)
	binary.LittleEndian.PutUint16(buf[14:16], 48)
	binary.LittleEndian.PutUint32(buf[16:20], 30)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(frames))
	for i := 0; i < frames; i++ {
		payload := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, payload...)
	}
	path := filepath.Join(t.TempDir(), "movie.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}
