// Package hardware talks to the motion/actuator controller over a
// line-oriented channel: one command token per line out, one notification
// token per line in.
package hardware

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Command is a single-token controller command.
type Command string

const (
	CmdFollowLine  Command = "LF"
	CmdStop        Command = "S"
	CmdAlign       Command = "ALIGN"
	CmdLEDRedOn    Command = "LED_RED_ON"
	CmdLEDRedOff   Command = "LED_RED_OFF"
	CmdLEDGreenOn  Command = "LED_GREEN_ON"
	CmdLEDGreenOff Command = "LED_GREEN_OFF"
	CmdBuzzerOn    Command = "BUZZER_ON"
	CmdBuzzerOff   Command = "BUZZER_OFF"
)

// Notification is an unsolicited controller line.
type Notification string

const (
	NoteWideMarker   Notification = "WIDE_BLACK"
	NoteAlignOK      Notification = "ALIGN_OK"
	NoteAlignTimeout Notification = "ALIGN_TIMEOUT"
)

// Known reports whether n is one of the recognized notifications.
func (n Notification) Known() bool {
	return n == NoteWideMarker || n == NoteAlignOK || n == NoteAlignTimeout
}

// DefaultBaud matches the controller firmware.
const DefaultBaud = 9600

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("hardware link closed")

// Link is a fire-and-forget command channel with an asynchronous
// notification stream. Notifications is closed when the link closes.
type Link interface {
	Send(cmd Command) error
	Notifications() <-chan Notification
	Close() error
}

// LineLink implements Link over any byte stream (serial port, TCP socket).
type LineLink struct {
	rwc   io.ReadWriteCloser
	wmu   sync.Mutex
	notes chan Notification
	done  chan struct{}
	once  sync.Once
}

// NewLineLink wraps rwc and starts the reader goroutine.
func NewLineLink(rwc io.ReadWriteCloser) *LineLink {
	l := &LineLink{
		rwc:   rwc,
		notes: make(chan Notification, 64),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *LineLink) readLoop() {
	defer close(l.notes)
	sc := bufio.NewScanner(l.rwc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case l.notes <- Notification(line):
		case <-l.done:
			return
		default:
			slog.Warn("hardware notification dropped", "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case <-l.done:
		default:
			slog.Warn("hardware link read failed", "err", err)
		}
	}
}

// Send writes cmd followed by a newline.
func (l *LineLink) Send(cmd Command) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := io.WriteString(l.rwc, string(cmd)+"\n"); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

func (l *LineLink) Notifications() <-chan Notification { return l.notes }

func (l *LineLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rwc.Close()
	})
	return err
}

// Open connects to the controller at addr: "tcp://host:port" dials TCP,
// anything else is a serial device path opened at baud (DefaultBaud if 0).
func Open(addr string, baud int) (*LineLink, error) {
	if addr == "" {
		return nil, errors.New("hardware address required")
	}
	if hostport, ok := strings.CutPrefix(addr, "tcp://"); ok {
		conn, err := net.DialTimeout("tcp", hostport, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial controller %s: %w", hostport, err)
		}
		return NewLineLink(conn), nil
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(addr, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", addr, err)
	}
	return NewLineLink(port), nil
}

// OpenOrNull tries Open and falls back to a NullLink, logging the reason.
func OpenOrNull(addr string, baud int) Link {
	if addr == "" {
		slog.Warn("no hardware address configured, commands will only be logged")
		return NewNullLink()
	}
	l, err := Open(addr, baud)
	if err != nil {
		slog.Warn("hardware unavailable, commands will only be logged", "addr", addr, "err", err)
		return NewNullLink()
	}
	slog.Info("hardware connected", "addr", addr, "baud", baud)
	return l
}

// ListSerialPorts returns the serial devices present on this host.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
