package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/model"
)

type wireCatcher struct {
	wires   chan model.Wire
	deleted chan string
}

func (w *wireCatcher) CheckMember(context.Context, string, string) error { return nil }

func (w *wireCatcher) CreateSignalingSession(_ context.Context, _, _ string, wire model.Wire) error {
	w.wires <- wire
	return nil
}

func (w *wireCatcher) DeleteSignalingSession(_ context.Context, _, peer string) error {
	w.deleted <- peer
	return nil
}

func dialPeer(t *testing.T) (*Server, *wireCatcher, *websocket.Conn, model.Wire) {
	t.Helper()
	logger := zerolog.Nop()
	svc := &wireCatcher{wires: make(chan model.Wire, 1), deleted: make(chan string, 1)}
	srv := NewServer(Config{Logger: &logger, SignalingService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal/room/KXM-204/peer/viewer-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case wire := <-svc.wires:
		return srv, svc, conn, wire
	case <-time.After(2 * time.Second):
		t.Fatal("signaling session was not created")
	}
	return nil, nil, nil, model.Wire{}
}

func TestAdmit(t *testing.T) {
	ps := &peerSession{peer: "viewer-1"}

	tests := []struct {
		name string
		ann  model.Announcement
		err  error
	}{
		{name: "data", ann: model.Announcement{DST: "host-1", Type: model.AnnouncementTypeData}},
		{name: "open", ann: model.Announcement{DST: "host-1", Type: model.AnnouncementTypeOpen}},
		{name: "no destination", ann: model.Announcement{Type: model.AnnouncementTypeData}, err: errNoDestination},
		{name: "to itself", ann: model.Announcement{DST: "viewer-1", Type: model.AnnouncementTypeData}, err: errSelfDestination},
		{name: "forged joined", ann: model.Announcement{DST: "host-1", Type: model.AnnouncementTypeJoined}, err: errForeignType},
		{name: "forged left", ann: model.Announcement{DST: "host-1", Type: model.AnnouncementTypeLeft}, err: errForeignType},
		{name: "unknown", ann: model.Announcement{DST: "host-1", Type: "whatever"}, err: errForeignType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann := tt.ann
			ann.SRC = "someone-else"
			err := ps.admit(&ann)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Equal(t, "someone-else", ann.SRC)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "viewer-1", ann.SRC)
		})
	}
}

func TestPeerFramesAreFiltered(t *testing.T) {
	_, _, conn, wire := dialPeer(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(model.Announcement{Type: model.AnnouncementTypeJoined, DST: "host-1"}))
	require.NoError(t, conn.WriteJSON(model.Announcement{Type: model.AnnouncementTypeData}))
	require.NoError(t, conn.WriteJSON(model.Announcement{
		SRC:     "host-1",
		DST:     "host-1",
		Type:    model.AnnouncementTypeData,
		Payload: []byte(`"hello"`),
	}))

	select {
	case ann := <-wire.RX:
		assert.Equal(t, model.AnnouncementTypeData, ann.Type)
		assert.Equal(t, "viewer-1", ann.SRC)
		assert.Equal(t, "host-1", ann.DST)
		assert.JSONEq(t, `"hello"`, string(ann.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("valid announcement was not relayed")
	}
	select {
	case ann := <-wire.RX:
		t.Fatalf("unexpected announcement relayed: %+v", ann)
	case <-time.After(100 * time.Millisecond):
	}

	wire.TX <- model.Announcement{SRC: "host-1", DST: "viewer-1", Type: model.AnnouncementTypeOpenAck}
	var got model.Announcement
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, model.AnnouncementTypeOpenAck, got.Type)
	assert.Equal(t, "host-1", got.SRC)
}

func TestShutdownSaysGoingAway(t *testing.T) {
	srv, svc, conn, _ := dialPeer(t)

	srv.stop()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	select {
	case peer := <-svc.deleted:
		assert.Equal(t, "viewer-1", peer)
	case <-time.After(3 * time.Second):
		t.Fatal("signaling session was not deleted")
	}
}

func TestPeerHangupEndsSession(t *testing.T) {
	_, svc, conn, _ := dialPeer(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case peer := <-svc.deleted:
		assert.Equal(t, "viewer-1", peer)
	case <-time.After(3 * time.Second):
		t.Fatal("signaling session was not deleted")
	}
}
