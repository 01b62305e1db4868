package telegram

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"tragatelo/api/internal/flow"
	"tragatelo/api/internal/logger"
)

const (
	chatIdleTTL     = 30 * time.Minute
	chatSweepPeriod = 5 * time.Minute
)

// chatFlows keeps one capture flow per chat. Idle chats expire and their flow
// is closed, which discards anything still in flight for them.
type chatFlows struct {
	mu    sync.Mutex
	items *cache.Cache
	newFn func(chatID int64) *flow.Flow
}

func newChatFlows(ttl time.Duration, newFn func(chatID int64) *flow.Flow) *chatFlows {
	if ttl <= 0 {
		ttl = chatIdleTTL
	}
	sweep := chatSweepPeriod
	if ttl < sweep {
		sweep = ttl
	}
	c := cache.New(ttl, sweep)
	c.OnEvicted(func(key string, v interface{}) {
		if f, ok := v.(*flow.Flow); ok {
			f.Close()
			logger.WithField("chat", key).Debug("chat flow evicted")
		}
	})
	return &chatFlows{items: c, newFn: newFn}
}

// get returns the chat's flow, creating it on first use. Every access pushes
// the expiry forward.
func (s *chatFlows) get(chatID int64) *flow.Flow {
	key := strconv.FormatInt(chatID, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items.Get(key); ok {
		f := v.(*flow.Flow)
		s.items.SetDefault(key, f)
		return f
	}
	f := s.newFn(chatID)
	s.items.SetDefault(key, f)
	return f
}

// peek returns the chat's flow without creating one.
func (s *chatFlows) peek(chatID int64) (*flow.Flow, bool) {
	v, ok := s.items.Get(strconv.FormatInt(chatID, 10))
	if !ok {
		return nil, false
	}
	return v.(*flow.Flow), true
}

func (s *chatFlows) count() int {
	return s.items.ItemCount()
}

// closeAll closes every flow; used on shutdown.
func (s *chatFlows) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items.Items()
	// Flush does not call OnEvicted
	s.items.Flush()
	for _, it := range items {
		if f, ok := it.Object.(*flow.Flow); ok {
			f.Close()
		}
	}
}
