// Package presence mirrors room membership for readers outside the relay loop.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Member is one connection present in a room.
type Member struct {
	Handle   string `json:"handle"`
	Identity string `json:"identity"`
}

// Store tracks which connections are present in which rooms.
type Store interface {
	Reset(ctx context.Context) error
	AddMember(ctx context.Context, roomID, handle, identity string) error
	RemoveMember(ctx context.Context, roomID, handle string) error
	Members(ctx context.Context, roomID string) ([]Member, error)
}

// RedisStore implements Store with one Redis hash per room (handle -> identity)
// plus a set of known room keys so Reset can clear them.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	keyRooms string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "warpcall:eu").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "warpcall"
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:rooms", p),
	}
}

func (s *RedisStore) roomKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:members", s.prefix, roomID)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	keys, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys = append(keys, s.keyRooms)
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) AddMember(ctx context.Context, roomID, handle, identity string) error {
	key := s.roomKey(roomID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, handle, identity)
		pipe.SAdd(ctx, s.keyRooms, key)
		return nil
	})
	return err
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, handle string) error {
	key := s.roomKey(roomID)
	if err := s.rdb.HDel(ctx, key, handle).Err(); err != nil {
		return err
	}
	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.rdb.SRem(ctx, s.keyRooms, key).Err()
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]Member, error) {
	vals, err := s.rdb.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(vals), nil
}

// MemoryStore is the in-process Store used when no Redis address is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]string)}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]map[string]string)
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, handle, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]string)
		s.rooms[roomID] = room
	}
	room[handle] = identity
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(room, handle)
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toMembers(s.rooms[roomID]), nil
}

func toMembers(byHandle map[string]string) []Member {
	members := make([]Member, 0, len(byHandle))
	for handle, identity := range byHandle {
		members = append(members, Member{Handle: handle, Identity: identity})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Identity != members[j].Identity {
			return members[i].Identity < members[j].Identity
		}
		return members[i].Handle < members[j].Handle
	})
	return members
}
