package manager

import (
	"sync"

	"github.com/any-hub/any-fetch/internal/cache"
)

const streamBuffer = 16

// EventKind 区分 Stream 事件。
type EventKind int

const (
	EventProgress EventKind = iota
	EventPartial
	EventSuccess
	EventError
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventPartial:
		return "partial"
	case EventSuccess:
		return "final-success"
	case EventError:
		return "final-error"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event 是 Stream 上的一个事件。Received/Expected 仅用于 EventProgress。
type Event struct {
	Kind     EventKind
	Data     []byte
	Err      error
	Tier     cache.Tier
	Received int64
	Expected int64
}

// Stream 以 channel 形式返回 Fetch 的事件，事件顺序与回调一致。
// 通道在 EventSuccess/EventError/EventCancelled 之后关闭；RefreshCached 且远端
// 未变化时只有一个 EventPartial，随后直接关闭。消费者落后时 progress 事件会被丢弃。
// 调用方需读尽通道或调用 Handle.Cancel。
func (m *Manager) Stream(url string, opts Options) (<-chan Event, Handle) {
	s := &stream{
		ch:   make(chan Event, streamBuffer),
		quit: make(chan struct{}),
	}
	handle := m.fetch(url, opts, s.progress, s.completed, hooks{
		cancelled: s.cancel,
		silent:    s.finish,
	})
	return s.ch, handle
}

type stream struct {
	ch       chan Event
	quit     chan struct{}
	quitOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *stream) progress(received, expected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- Event{Kind: EventProgress, Received: received, Expected: expected}:
	default:
	}
}

func (s *stream) completed(data []byte, err error, tier cache.Tier, finished bool) {
	ev := Event{Kind: EventPartial, Data: data, Tier: tier}
	if finished {
		ev.Kind = EventSuccess
		if err != nil {
			ev = Event{Kind: EventError, Err: err, Tier: tier}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.quit:
		return
	}
	if finished {
		s.closed = true
		close(s.ch)
	}
}

func (s *stream) cancel() {
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.ch <- Event{Kind: EventCancelled}:
	default:
	}
	close(s.ch)
}

func (s *stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
