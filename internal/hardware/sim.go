package hardware

import (
	"log/slog"
	"sync"
	"time"
)

// NullLink stands in for absent hardware: commands are logged and dropped,
// no notification ever arrives.
type NullLink struct {
	notes chan Notification
	once  sync.Once
}

func NewNullLink() *NullLink { return &NullLink{notes: make(chan Notification)} }

func (n *NullLink) Send(cmd Command) error {
	slog.Debug("hardware command (no link)", "cmd", cmd)
	return nil
}

func (n *NullLink) Notifications() <-chan Notification { return n.notes }

func (n *NullLink) Close() error {
	n.once.Do(func() { close(n.notes) })
	return nil
}

// SimLink is an in-process Link that records commands and lets callers
// inject notifications. With MarkerAfter > 0 it also behaves like a robot
// on a track: every LF is followed by a WIDE_BLACK after that delay.
type SimLink struct {
	MarkerAfter time.Duration

	mu     sync.Mutex
	sent   []Command
	notes  chan Notification
	closed bool
}

func NewSimLink(markerAfter time.Duration) *SimLink {
	return &SimLink{MarkerAfter: markerAfter, notes: make(chan Notification, 64)}
}

func (s *SimLink) Send(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sent = append(s.sent, cmd)
	if cmd == CmdFollowLine && s.MarkerAfter > 0 {
		time.AfterFunc(s.MarkerAfter, func() { s.Inject(NoteWideMarker) })
	}
	return nil
}

// Inject delivers n as if the controller had sent it. It is a no-op after Close.
func (s *SimLink) Inject(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notes <- n:
	default:
		slog.Warn("sim notification dropped", "note", n)
	}
}

// Sent returns a copy of every command sent so far.
func (s *SimLink) Sent() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.sent...)
}

func (s *SimLink) Notifications() <-chan Notification { return s.notes }

func (s *SimLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notes)
	}
	return nil
}

var (
	_ Link = (*LineLink)(nil)
	_ Link = (*NullLink)(nil)
	_ Link = (*SimLink)(nil)
)
