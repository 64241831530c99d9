package memory

import (
	"context"
	"sync"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/storage"
)

type MemStore struct {
	mx              *sync.Mutex
	db              map[string]*model.Room
	maxParticipants int
}

func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = storage.DefaultMaxParticipants
	}
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*model.Room),
		maxParticipants: maxParticipants,
	}
}

func (ms *MemStore) CreateRoom(_ context.Context, code, host string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[code]; ok {
		return nil, storage.ErrCodeTaken
	}
	room := &model.Room{
		Code:            code,
		HostPeerAddress: host,
		Participants:    map[string]struct{}{host: {}},
	}
	ms.db[code] = room
	return clone(room), nil
}

func (ms *MemStore) JoinRoom(_ context.Context, code, peer string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	if _, ok = room.Participants[peer]; !ok && len(room.Participants) >= ms.maxParticipants {
		return nil, storage.ErrRoomFull
	}
	room.Participants[peer] = struct{}{}
	return clone(room), nil
}

func (ms *MemStore) LeaveRoom(_ context.Context, code, peer string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return storage.ErrRoomNotFound
	}
	delete(room.Participants, peer)
	return nil
}

func (ms *MemStore) DeleteRoom(_ context.Context, code, host string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return storage.ErrRoomNotFound
	}
	if room.HostPeerAddress != host {
		return storage.ErrNotHost
	}
	delete(ms.db, code)
	return nil
}

func (ms *MemStore) GetRoom(_ context.Context, code string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	return clone(room), nil
}

// clone keeps callers away from the participant map guarded by mx.
func clone(room *model.Room) *model.Room {
	out := &model.Room{
		Code:            room.Code,
		HostPeerAddress: room.HostPeerAddress,
		Participants:    make(map[string]struct{}, len(room.Participants)),
	}
	for p := range room.Participants {
		out.Participants[p] = struct{}{}
	}
	return out
}
