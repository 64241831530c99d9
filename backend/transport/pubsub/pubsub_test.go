package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/transport"
)

// fanout is a broker that hands every publish to every subscriber of the
// topic, the publisher included, like gossipsub does locally.
type fanout struct {
	mu   sync.Mutex
	subs map[string][]*fanoutTopic
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]*fanoutTopic)}
}

func (f *fanout) Join(_ context.Context, name string) (Topic, error) {
	t := &fanoutTopic{broker: f, name: name, ch: make(chan []byte, 256)}
	f.mu.Lock()
	f.subs[name] = append(f.subs[name], t)
	f.mu.Unlock()
	return t, nil
}

func (f *fanout) Close() error { return nil }

type fanoutTopic struct {
	broker *fanout
	name   string
	ch     chan []byte
}

func (t *fanoutTopic) Publish(_ context.Context, data []byte) error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	for _, s := range t.broker.subs[t.name] {
		s.ch <- append([]byte(nil), data...)
	}
	return nil
}

func (t *fanoutTopic) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-t.ch:
		return b, nil
	}
}

func (t *fanoutTopic) Close() error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	subs := t.broker.subs[t.name]
	for i, s := range subs {
		if s == t {
			t.broker.subs[t.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func TestPubsubTransport(t *testing.T) {
	broker := newFanout()
	host := New(Config{Broker: broker})
	viewer := New(Config{Broker: broker})
	other := New(Config{Broker: broker})

	accepted := make(chan transport.Conn, 1)
	require.NoError(t, host.Listen(context.Background(), "ABC-123", "host.ABC-123", func(c transport.Conn) { accepted <- c }))
	require.NoError(t, viewer.Listen(context.Background(), "ABC-123", "viewer", nil))
	require.NoError(t, other.Listen(context.Background(), "ABC-123", "bystander", func(transport.Conn) {
		t.Error("bystander must not see connections addressed to the host")
	}))
	defer func() { _ = other.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vc, err := viewer.Open(ctx, "host.ABC-123")
	require.NoError(t, err)
	hc := <-accepted

	got := make(chan string, 4)
	hc.OnMessage(func(b []byte) { got <- string(b) })
	require.NoError(t, vc.Send([]byte("a")))
	require.NoError(t, vc.Send([]byte("b")))
	assert.Equal(t, "a", <-got)
	assert.Equal(t, "b", <-got)

	closed := make(chan struct{})
	vc.OnClose(func() { close(closed) })
	require.NoError(t, host.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer connection survived host departure")
	}
	require.NoError(t, viewer.Close())
}

func TestPubsubOpenTimesOut(t *testing.T) {
	viewer := New(Config{Broker: newFanout()})
	require.NoError(t, viewer.Listen(context.Background(), "ABC-123", "viewer", nil))
	defer func() { _ = viewer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := viewer.Open(ctx, "host.ABC-123")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, viewer.Listen(context.Background(), "ABC-123", "viewer", nil), ErrAlreadyJoined)
}
