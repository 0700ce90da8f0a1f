package serialmux

import (
	"sync"

	"github.com/google/uuid"
)

// subscribers is the fan-out set shared by both mux implementations. Once
// closed it hands out channels that are already closed, so late readers
// never block a shutdown.
type subscribers struct {
	buffer int

	mu      sync.Mutex
	chans   map[string]chan Line
	closed  bool
	dropped uint64
}

func newSubscribers(buffer int) *subscribers {
	return &subscribers{buffer: buffer, chans: make(map[string]chan Line)}
}

func (s *subscribers) add() (string, <-chan Line) {
	id := uuid.NewString()
	ch := make(chan Line, s.buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.chans[id] = ch
	return id, ch
}

func (s *subscribers) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		close(ch)
		delete(s.chans, id)
	}
}

// broadcast never blocks: a full subscriber misses the line.
func (s *subscribers) broadcast(l Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- l:
		default:
			s.dropped++
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.chans {
		close(ch)
		delete(s.chans, id)
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

func (s *subscribers) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
