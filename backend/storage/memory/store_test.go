package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/storage"
)

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(3)

	room, err := ms.CreateRoom(ctx, "KXM-204", "host")
	require.NoError(t, err)
	assert.Equal(t, "host", room.HostPeerAddress)
	assert.Contains(t, room.Participants, "host")

	_, err = ms.CreateRoom(ctx, "KXM-204", "other")
	assert.ErrorIs(t, err, storage.ErrCodeTaken)

	_, err = ms.JoinRoom(ctx, "ABC-123", "v1")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)

	for i := 1; i <= 2; i++ {
		room, err = ms.JoinRoom(ctx, "KXM-204", fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, room.Participants, 3)

	_, err = ms.JoinRoom(ctx, "KXM-204", "v3")
	assert.ErrorIs(t, err, storage.ErrRoomFull)

	// members may join again when the room is full
	_, err = ms.JoinRoom(ctx, "KXM-204", "v1")
	require.NoError(t, err)

	require.NoError(t, ms.LeaveRoom(ctx, "KXM-204", "v1"))
	_, err = ms.JoinRoom(ctx, "KXM-204", "v3")
	require.NoError(t, err)

	assert.ErrorIs(t, ms.DeleteRoom(ctx, "KXM-204", "v3"), storage.ErrNotHost)
	require.NoError(t, ms.DeleteRoom(ctx, "KXM-204", "host"))
	_, err = ms.GetRoom(ctx, "KXM-204")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
	assert.ErrorIs(t, ms.DeleteRoom(ctx, "KXM-204", "host"), storage.ErrRoomNotFound)
}

func TestGetRoomReturnsCopy(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(0)
	_, err := ms.CreateRoom(ctx, "KXM-204", "host")
	require.NoError(t, err)

	room, err := ms.GetRoom(ctx, "KXM-204")
	require.NoError(t, err)
	room.Participants["intruder"] = struct{}{}

	room, err = ms.GetRoom(ctx, "KXM-204")
	require.NoError(t, err)
	assert.NotContains(t, room.Participants, "intruder")
}
