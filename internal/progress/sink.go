// Package progress carries byte-count deltas from workers to a display
// without ever slowing the data path.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/veranemoloko/gator/internal/domain"
)

// Sink accepts progress deltas. Send must not block and must be safe for
// concurrent use.
type Sink interface {
	Send(ev domain.ProgressEvent)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(domain.ProgressEvent) {}

// ChannelSink delivers events on a buffered channel. When the buffer is full
// the byte delta is added to a backlog that rides on the next event that
// fits, so the sum of delivered bytes always equals the sum sent. Segment
// completion events that do not fit are held and delivered, in order, ahead
// of later events.
type ChannelSink struct {
	mu      sync.RWMutex
	ch      chan domain.ProgressEvent
	closed  bool
	backlog atomic.Int64
	dropped atomic.Int64

	tmu       sync.Mutex
	terminals []int
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan domain.ProgressEvent, buffer)}
}

// Events returns the channel to consume. It is closed by Close.
func (s *ChannelSink) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Send delivers ev or holds it back without blocking. Events sent after
// Close are ignored.
func (s *ChannelSink) Send(ev domain.ProgressEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	if !s.flushTerminals() {
		s.hold(ev)
		return
	}

	ev.Bytes += s.backlog.Swap(0)

	select {
	case s.ch <- ev:
	default:
		s.hold(ev)
	}
}

func (s *ChannelSink) hold(ev domain.ProgressEvent) {
	s.backlog.Add(ev.Bytes)
	s.dropped.Add(1)

	if ev.Terminal {
		s.tmu.Lock()
		s.terminals = append(s.terminals, ev.SegmentID)
		s.tmu.Unlock()
	}
}

// flushTerminals delivers held completion events until the buffer is full
// and reports whether none are left.
func (s *ChannelSink) flushTerminals() bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	for len(s.terminals) > 0 {
		select {
		case s.ch <- domain.ProgressEvent{SegmentID: s.terminals[0], Terminal: true}:
			s.terminals = s.terminals[1:]
		default:
			return false
		}
	}
	return true
}

// Coalesced returns how many events were held back because the buffer was
// full.
func (s *ChannelSink) Coalesced() int64 {
	return s.dropped.Load()
}

// Close delivers held completion events and any remaining backlog, then
// closes the channel. It blocks until the consumer has taken them.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.tmu.Lock()
	held := s.terminals
	s.terminals = nil
	s.tmu.Unlock()

	for _, id := range held {
		s.ch <- domain.ProgressEvent{SegmentID: id, Terminal: true}
	}
	if pending := s.backlog.Swap(0); pending != 0 {
		s.ch <- domain.ProgressEvent{Bytes: pending, SegmentID: -1}
	}
	close(s.ch)
}
