// Package redis keeps directory rooms in redis so several directory
// instances can share them. Relay switching stays per instance.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/storage"
)

const (
	defaultKeyPrefix = "watchparty:room:"
	defaultRoomTTL   = 12 * time.Hour
	txRetries        = 5

	hostField = "host"
)

var ErrConflict = errors.New("room was modified concurrently")

type (
	Config struct {
		Addr            string
		Client          *redis.Client
		KeyPrefix       string
		RoomTTL         time.Duration
		MaxParticipants int
	}

	Store struct {
		client          *redis.Client
		prefix          string
		ttl             time.Duration
		maxParticipants int
	}
)

// NewStore connects to redis and checks it answers. Config.Client takes
// precedence over Config.Addr.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	s := &Store{
		client:          client,
		prefix:          cfg.KeyPrefix,
		ttl:             cfg.RoomTTL,
		maxParticipants: cfg.MaxParticipants,
	}
	if s.prefix == "" {
		s.prefix = defaultKeyPrefix
	}
	if s.ttl <= 0 {
		s.ttl = defaultRoomTTL
	}
	if s.maxParticipants <= 0 {
		s.maxParticipants = storage.DefaultMaxParticipants
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) roomKey(code string) string {
	return s.prefix + code
}

func (s *Store) peersKey(code string) string {
	return s.prefix + code + ":peers"
}

func (s *Store) CreateRoom(ctx context.Context, code, host string) (*model.Room, error) {
	roomKey, peersKey := s.roomKey(code), s.peersKey(code)
	ok, err := s.client.HSetNX(ctx, roomKey, hostField, host).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrCodeTaken
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, peersKey)
		pipe.SAdd(ctx, peersKey, host)
		pipe.Expire(ctx, roomKey, s.ttl)
		pipe.Expire(ctx, peersKey, s.ttl)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, roomKey).Err()
		return nil, err
	}
	return &model.Room{
		Code:            code,
		HostPeerAddress: host,
		Participants:    map[string]struct{}{host: {}},
	}, nil
}

func (s *Store) JoinRoom(ctx context.Context, code, peer string) (*model.Room, error) {
	roomKey, peersKey := s.roomKey(code), s.peersKey(code)
	var room *model.Room
	err := s.transact(ctx, func(tx *redis.Tx) error {
		host, members, err := load(ctx, tx, roomKey, peersKey)
		if err != nil {
			return err
		}
		if _, ok := members[peer]; !ok && len(members) >= s.maxParticipants {
			return storage.ErrRoomFull
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, peersKey, peer)
			pipe.Expire(ctx, roomKey, s.ttl)
			pipe.Expire(ctx, peersKey, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		members[peer] = struct{}{}
		room = &model.Room{Code: code, HostPeerAddress: host, Participants: members}
		return nil
	}, roomKey, peersKey)
	return room, err
}

func (s *Store) LeaveRoom(ctx context.Context, code, peer string) error {
	n, err := s.client.Exists(ctx, s.roomKey(code)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrRoomNotFound
	}
	return s.client.SRem(ctx, s.peersKey(code), peer).Err()
}

func (s *Store) DeleteRoom(ctx context.Context, code, host string) error {
	roomKey, peersKey := s.roomKey(code), s.peersKey(code)
	return s.transact(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, roomKey, hostField).Result()
		if errors.Is(err, redis.Nil) {
			return storage.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if owner != host {
			return storage.ErrNotHost
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, roomKey, peersKey)
			return nil
		})
		return err
	}, roomKey, peersKey)
}

func (s *Store) GetRoom(ctx context.Context, code string) (*model.Room, error) {
	host, members, err := load(ctx, s.client, s.roomKey(code), s.peersKey(code))
	if err != nil {
		return nil, err
	}
	return &model.Room{Code: code, HostPeerAddress: host, Participants: members}, nil
}

// transact runs fn under WATCH and retries when another client touched the
// watched keys in between.
func (s *Store) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range txRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

type roomReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func load(ctx context.Context, c roomReader, roomKey, peersKey string) (string, map[string]struct{}, error) {
	host, err := c.HGet(ctx, roomKey, hostField).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, storage.ErrRoomNotFound
	}
	if err != nil {
		return "", nil, err
	}
	peers, err := c.SMembers(ctx, peersKey).Result()
	if err != nil {
		return "", nil, err
	}
	members := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		members[p] = struct{}{}
	}
	return host, members, nil
}
