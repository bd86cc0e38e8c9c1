package message

import (
	"context"
	"strconv"
	"sync"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/room"
	"PPChat/tools/ids"
)

type memRoom struct {
	mu   sync.Mutex // serializes Append
	room chatmodel.ChatRoom
	msgs []chatmodel.Message
}

func (r *memRoom) snapshot() *chatmodel.ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.room
	return &cp
}

// MemoryStore keeps rooms and messages in process memory.
type MemoryStore struct {
	now   func() time.Time
	newID func() int64 // process snowflake generator

	createMu sync.Mutex // room creation is rare; one lock for all pairs

	mu       sync.RWMutex
	byPair   map[[2]int64]*memRoom
	byID     map[int64]*memRoom
	partners map[int64][]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		newID:    ids.Generate,
		byPair:   make(map[[2]int64]*memRoom),
		byID:     make(map[int64]*memRoom),
		partners: make(map[int64][]int64),
	}
}

func (s *MemoryStore) lookupPair(key [2]int64) (*memRoom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byPair[key]
	return r, ok
}

func (s *MemoryStore) GetOrCreateRoom(_ context.Context, a, b int64) (*chatmodel.ChatRoom, error) {
	name, err := room.RoomOf(a, b)
	if err != nil {
		return nil, err
	}
	lo, hi := room.Pair(a, b)
	key := [2]int64{lo, hi}
	if r, ok := s.lookupPair(key); ok {
		return r.snapshot(), nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if r, ok := s.lookupPair(key); ok {
		return r.snapshot(), nil
	}
	r := &memRoom{room: chatmodel.ChatRoom{
		ID:        s.newID(),
		User1:     lo,
		User2:     hi,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}}
	s.mu.Lock()
	s.byPair[key] = r
	s.byID[r.room.ID] = r
	s.partners[lo] = append(s.partners[lo], hi)
	s.partners[hi] = append(s.partners[hi], lo)
	s.mu.Unlock()
	return r.snapshot(), nil
}

func (s *MemoryStore) Append(_ context.Context, rm *chatmodel.ChatRoom, sender int64, body string) (*chatmodel.Message, error) {
	body, err := checkAppend(rm, sender, body)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	r, ok := s.byID[rm.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownRoom.WithDetail("room=" + itoa(rm.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	msg := chatmodel.Message{
		ID:        s.newID(),
		RoomID:    r.room.ID,
		SenderID:  sender,
		Body:      body,
		CreatedAt: nextTimestamp(s.now(), r.room.LastMessageAt),
	}
	r.msgs = append(r.msgs, msg)
	r.room.LastMessageAt = msg.CreatedAt
	return &msg, nil
}

func (s *MemoryStore) History(_ context.Context, roomID int64, since *time.Time) ([]chatmodel.Message, error) {
	s.mu.RLock()
	r, ok := s.byID[roomID]
	s.mu.RUnlock()
	if !ok {
		return []chatmodel.Message{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chatmodel.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) PartnersOf(_ context.Context, user int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, len(s.partners[user]))
	copy(out, s.partners[user])
	return out, nil
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
