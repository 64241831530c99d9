package playback

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu      sync.Mutex
	ref     string
	state   PlayerState
	pos     float64
	seeks   []float64
	loadErr error
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{state: PlayerPaused}
}

func (p *fakePlayer) Load(ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return p.loadErr
	}
	p.ref, p.pos, p.state = ref, 0, PlayerPaused
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PlayerPlaying
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PlayerPaused
	return nil
}

func (p *fakePlayer) Seek(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = seconds
	p.seeks = append(p.seeks, seconds)
	return nil
}

func (p *fakePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ref == "" {
		return 0, errors.New("nothing loaded")
	}
	return p.pos, nil
}

func (p *fakePlayer) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) set(state PlayerState, pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state, p.pos = state, pos
}

func (p *fakePlayer) seekCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seeks)
}

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) Broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evs...)
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = nil
}

func newTestMachine(t *testing.T) (*Machine, *fakePlayer, *recorder) {
	t.Helper()
	p := newFakePlayer()
	rec := &recorder{}
	m := NewMachine(Config{
		Player:        p,
		Broadcaster:   rec,
		DriftInterval: 20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	})
	t.Cleanup(m.Stop)
	return m, p, rec
}

// syncEvents drops time updates, which the drift timer may interleave.
func (r *recorder) syncEvents() []Event {
	var out []Event
	for _, ev := range r.events() {
		if ev.Kind != EventTimeUpdate {
			out = append(out, ev)
		}
	}
	return out
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestMachineTransitions(t *testing.T) {
	m, _, rec := newTestMachine(t)

	assert.Equal(t, StatusIdle, m.Snapshot().Status)
	require.ErrorIs(t, m.Play(), ErrNoSource)

	require.NoError(t, m.Load(SourceEmbedded, "https://video.example/watch?v=movie-A"))
	st := m.Snapshot()
	assert.Equal(t, StatusLoaded, st.Status)
	assert.Equal(t, SourceEmbedded, st.SourceMode)
	assert.False(t, st.IsPlaying)

	require.NoError(t, m.Play())
	assert.Equal(t, StatusPlaying, m.Snapshot().Status)
	require.NoError(t, m.Pause())
	assert.Equal(t, StatusPaused, m.Snapshot().Status)
	require.NoError(t, m.Seek(-3))
	assert.Equal(t, 0.0, m.Snapshot().PositionSeconds)

	evs := rec.syncEvents()
	require.Len(t, evs, 4)
	assert.Equal(t, URL("https://video.example/watch?v=movie-A", SourceEmbedded), evs[0])
	assert.Equal(t, []EventKind{EventURL, EventPlay, EventPause, EventSeek}, kinds(evs))
}

func TestMachineLoadInvalidStaysIdle(t *testing.T) {
	m, p, rec := newTestMachine(t)

	for _, tc := range []struct {
		mode SourceMode
		ref  string
	}{
		{SourceEmbedded, "not a url"},
		{SourceEmbedded, "ftp://example.com/a.mp4"},
		{SourceFile, "   "},
		{SourceNone, "movie"},
	} {
		require.ErrorIs(t, m.Load(tc.mode, tc.ref), ErrInvalidSource, "%s %q", tc.mode, tc.ref)
	}

	p.loadErr = errors.New("unsupported container")
	require.ErrorIs(t, m.Load(SourceFile, "/tmp/movie.ivf"), ErrInvalidSource)

	assert.Equal(t, StatusIdle, m.Snapshot().Status)
	assert.Empty(t, rec.events())
}

func TestMachineDriftBroadcastOnlyWhilePlaying(t *testing.T) {
	m, p, rec := newTestMachine(t)
	require.NoError(t, m.Load(SourceEmbedded, "dQw4w9WgXcQ"))
	require.NoError(t, m.Play())
	p.set(PlayerPlaying, 12.5)

	require.Eventually(t, func() bool {
		return rec.count(EventTimeUpdate) >= 2
	}, time.Second, 5*time.Millisecond)

	for _, ev := range rec.events() {
		if ev.Kind == EventTimeUpdate {
			assert.Equal(t, 12.5, ev.Time)
		}
	}

	require.NoError(t, m.Pause())
	time.Sleep(30 * time.Millisecond)
	n := rec.count(EventTimeUpdate)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, rec.count(EventTimeUpdate), "time updates must stop while paused")
}

func TestMachinePollerTrustsPlayer(t *testing.T) {
	m, p, rec := newTestMachine(t)
	require.NoError(t, m.Load(SourceEmbedded, "dQw4w9WgXcQ"))
	require.NoError(t, m.Play())

	// the player pauses itself without telling anyone
	p.set(PlayerPaused, 30)

	require.Eventually(t, func() bool {
		return !m.Snapshot().IsPlaying
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(EventPause))
	assert.Equal(t, 30.0, m.Snapshot().PositionSeconds)
}

func TestMachinePlayerCallbacks(t *testing.T) {
	m, p, rec := newTestMachine(t)

	m.HandlePlayerState(PlayerPlaying)
	assert.Empty(t, rec.events(), "callbacks without a source are ignored")

	require.NoError(t, m.Load(SourceEmbedded, "dQw4w9WgXcQ"))
	rec.reset()

	p.set(PlayerPlaying, 0)
	m.HandlePlayerState(PlayerPlaying)
	m.HandlePlayerState(PlayerPlaying)
	m.HandlePlayerState(PlayerBuffering)
	assert.Equal(t, []EventKind{EventPlay}, kinds(rec.syncEvents()))
	assert.True(t, m.Snapshot().IsPlaying)

	p.set(PlayerEnded, 0)
	m.HandlePlayerState(PlayerEnded)
	st := m.Snapshot()
	assert.Equal(t, StatusEnded, st.Status)
	assert.False(t, st.IsPlaying)
	assert.Equal(t, 1, rec.count(EventEnded))

	rec.reset()
	require.NoError(t, m.Play())
	assert.Equal(t, []EventKind{EventSeek, EventPlay}, kinds(rec.syncEvents()))
	assert.Equal(t, 0.0, rec.syncEvents()[0].Time)
}

func TestMachineJoinSequence(t *testing.T) {
	m, p, _ := newTestMachine(t)
	assert.Empty(t, m.JoinSequence())

	require.NoError(t, m.Load(SourceEmbedded, "movie-A"))
	require.NoError(t, m.Play())
	p.set(PlayerPlaying, 42)
	assert.Equal(t, []Event{URL("movie-A", SourceEmbedded), Play(), Seek(42)}, m.JoinSequence())

	require.NoError(t, m.Pause())
	assert.Equal(t, []Event{URL("movie-A", SourceEmbedded), Seek(42)}, m.JoinSequence())

	m.HandlePlayerState(PlayerPlaying)
	m.HandlePlayerState(PlayerEnded)
	assert.Equal(t, []Event{URL("movie-A", SourceEmbedded)}, m.JoinSequence())
}

func TestMachineStopAndClear(t *testing.T) {
	m, p, rec := newTestMachine(t)
	require.NoError(t, m.Load(SourceEmbedded, "movie-A"))
	require.NoError(t, m.Play())
	p.set(PlayerPlaying, 1)

	m.Clear()
	assert.Equal(t, StatusIdle, m.Snapshot().Status)
	assert.Equal(t, PlayerPaused, p.State())

	require.NoError(t, m.Load(SourceEmbedded, "movie-B"))
	require.NoError(t, m.Play())
	m.Stop()
	time.Sleep(30 * time.Millisecond)
	rec.reset()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, rec.count(EventTimeUpdate))
	require.ErrorIs(t, m.Pause(), ErrStopped)
}

func newTestFollower() (*Follower, *fakePlayer) {
	p := newFakePlayer()
	return NewFollower(Config{Player: p}), p
}

func TestFollowerDropsEventsBeforeSource(t *testing.T) {
	f, p := newTestFollower()

	for _, ev := range []Event{Play(), Seek(10), TimeUpdate(10), Pause(), Ended()} {
		require.ErrorIs(t, f.Apply(ev), ErrNoSource)
	}
	assert.Equal(t, StatusIdle, f.Snapshot().Status)
	assert.Zero(t, p.seekCount())

	require.ErrorIs(t, f.Apply(Event{Kind: "rewind"}), ErrNoSource)
	require.NoError(t, f.Apply(URL("movie-A", SourceEmbedded)))
	require.ErrorIs(t, f.Apply(Event{Kind: "rewind"}), ErrUnknownEvent)
}

func TestFollowerDriftThreshold(t *testing.T) {
	f, p := newTestFollower()
	require.NoError(t, f.Apply(URL("movie-A", SourceEmbedded)))
	require.NoError(t, f.Apply(Play()))

	p.set(PlayerPlaying, 10)
	require.NoError(t, f.Apply(TimeUpdate(11.5)))
	pos, _ := p.Position()
	assert.Equal(t, 10.0, pos, "within threshold the position is left alone")
	assert.Zero(t, p.seekCount())

	require.NoError(t, f.Apply(TimeUpdate(8.4)))
	pos, _ = p.Position()
	assert.Equal(t, 8.4, pos)

	require.NoError(t, f.Apply(TimeUpdate(20)))
	pos, _ = p.Position()
	assert.Equal(t, 20.0, pos)
	assert.Equal(t, 20.0, f.Snapshot().PositionSeconds)
}

func TestFollowerSeekAfterPauseDoesNotResume(t *testing.T) {
	f, p := newTestFollower()
	require.NoError(t, f.Apply(URL("movie-A", SourceEmbedded)))
	require.NoError(t, f.Apply(Play()))
	require.NoError(t, f.Apply(Pause()))
	require.NoError(t, f.Apply(Seek(50)))
	require.NoError(t, f.Apply(TimeUpdate(90)))

	assert.Equal(t, PlayerPaused, p.State())
	assert.False(t, f.Snapshot().IsPlaying)
}

func TestFollowerEndedRewinds(t *testing.T) {
	for _, before := range [][]Event{
		{URL("movie-A", SourceEmbedded)},
		{URL("movie-A", SourceEmbedded), Play()},
		{URL("movie-A", SourceEmbedded), Play(), Pause()},
	} {
		f, p := newTestFollower()
		for _, ev := range before {
			require.NoError(t, f.Apply(ev))
		}
		p.set(p.State(), 3600)

		require.NoError(t, f.Apply(Ended()))
		pos, _ := p.Position()
		assert.Zero(t, pos)
		assert.Equal(t, PlayerPaused, p.State())
		st := f.Snapshot()
		assert.Equal(t, StatusEnded, st.Status)
		assert.False(t, st.IsPlaying)
	}
}

func TestFollowerConvergesOnJoinSequence(t *testing.T) {
	m, hp, _ := newTestMachine(t)
	require.NoError(t, m.Load(SourceEmbedded, "movie-A"))
	require.NoError(t, m.Play())
	hp.set(PlayerPlaying, 75)

	f, vp := newTestFollower()
	for _, ev := range m.JoinSequence() {
		require.NoError(t, f.Apply(ev))
	}
	st := f.Snapshot()
	assert.Equal(t, "movie-A", st.SourceRef)
	assert.True(t, st.IsPlaying)
	pos, _ := vp.Position()
	assert.InDelta(t, 75, pos, DefaultDriftThreshold)
}

func TestFollowerMirrorsRandomPlayPause(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		hp := newFakePlayer()
		f, _ := newTestFollower()
		m := NewMachine(Config{
			Player: hp,
			Broadcaster: BroadcastFunc(func(ev Event) {
				_ = f.Apply(ev)
			}),
			DriftInterval: time.Hour,
			PollInterval:  time.Hour,
		})
		require.NoError(t, m.Load(SourceEmbedded, "movie-A"))

		for i := 0; i < 30; i++ {
			if rng.Intn(2) == 0 {
				require.NoError(t, m.Play())
			} else {
				require.NoError(t, m.Pause())
			}
			assert.Equal(t, m.Snapshot().IsPlaying, f.Snapshot().IsPlaying)
		}
		m.Stop()
	}
}
